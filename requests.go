package sskstore

import (
	"sync"
)

// SendableGet is a pending retrieval request as the
// checker sees it: a key list, a priority class, and the
// scheduler that gets told what happened.
type SendableGet interface {
	// ListKeys reports the keys this request still wants.
	ListKeys() []Key

	// PriorityClass is the request's class; smaller is
	// more urgent.
	PriorityClass() int

	// DontCache means store probes must not promote the
	// blocks they touch.
	DontCache() bool

	// Scheduler resolves the downstream request scheduler
	// for this request.
	Scheduler(ctx *ClientContext) RequestScheduler
}

// RequestScheduler is the downstream scheduler the checker
// hands results to.
type RequestScheduler interface {
	// TripPendingKey delivers a freshly found block to
	// whatever is waiting on its key.
	TripPendingKey(block KeyBlock)

	// FinishRegister completes the registration started by
	// a queue call: the getters either had all their keys
	// tripped (anyValid false) or still need a network
	// fetch (anyValid true). For persistent requests it
	// runs on the database executor with db and item set.
	FinishRegister(getters []SendableGet, persistent bool, onDatabaseThread bool, db *ItemDB, anyValid bool, item *CheckerItem)
}

// GetterRegistry resolves the opaque getter ids stored in
// durable CheckerItems back to live requests. It replaces
// the object-database activation dance: an id that no
// longer resolves means the request was completed or
// cancelled, and the matching durable item is garbage.
type GetterRegistry struct {
	mut    sync.Mutex
	nextID uint64
	live   map[uint64]*registryEntry
}

type registryEntry struct {
	getter SendableGet
	blocks BlockSet
}

func NewGetterRegistry() *GetterRegistry {
	return &GetterRegistry{
		live: make(map[uint64]*registryEntry),
	}
}

// Register assigns an id to a live request. The optional
// blocks travel with the request so a reloaded item still
// probes the caller's pre-staged blocks first.
func (r *GetterRegistry) Register(getter SendableGet, blocks BlockSet) (id uint64) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.nextID++
	id = r.nextID
	r.live[id] = &registryEntry{getter: getter, blocks: blocks}
	return
}

// RegisterWithID restores a request under a stable id,
// e.g. when the host re-creates its persistent requests at
// boot and needs them to match the ids already stored in
// durable CheckerItems.
func (r *GetterRegistry) RegisterWithID(id uint64, getter SendableGet, blocks BlockSet) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if id > r.nextID {
		r.nextID = id
	}
	r.live[id] = &registryEntry{getter: getter, blocks: blocks}
}

// Lookup resolves an id. ok is false when the request is
// gone; the caller should delete the durable item.
func (r *GetterRegistry) Lookup(id uint64) (getter SendableGet, blocks BlockSet, ok bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	e, ok := r.live[id]
	if !ok {
		return nil, nil, false
	}
	return e.getter, e.blocks, true
}

// Unregister drops a completed or cancelled request.
func (r *GetterRegistry) Unregister(id uint64) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.live, id)
}
