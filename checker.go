package sskstore

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// MaxPersistentKeys bounds how many keys the persistent
// in-memory queues hold; beyond it the trimmer yields
// less-urgent adopted work back to the database.
const MaxPersistentKeys = 1024

// trip-pending backlog thresholds for the dispatch loop.
// Past overloadStopThreshold we probe nothing at all:
// checking the store faster than completions drain risks
// memory exhaustion when a popular key satisfies both a
// persistent and a transient request at once. Past
// overloadTransientOnlyThreshold we still serve transient
// work but leave persistent work queued.
const (
	overloadStopThreshold          = 500
	overloadTransientOnlyThreshold = 100
)

const loaderJobName = "datastore-checker-loader"

// transientCheck is one queued transient request.
type transientCheck struct {
	keys   []Key
	getter SendableGet
	blocks BlockSet
}

// persistentCheck is one queued persistent request; the
// scheduler, dontCache and item ride along so dispatch
// never has to re-resolve them.
type persistentCheck struct {
	keys      []Key
	getter    SendableGet
	dontCache bool
	sched     RequestScheduler
	item      *CheckerItem
	blocks    BlockSet
}

// DatastoreChecker takes each pending retrieval request,
// probes the local store for its keys, trips whatever is
// waiting on the hits, and hands the remainder back for
// network fetch. Persistent work survives restarts through
// the ItemDB; the loader re-adopts it at boot.
type DatastoreChecker struct {
	mut  sync.Mutex
	cond *sync.Cond

	// per priority class record FIFOs; the parallel-length
	// invariant of the original's typed arrays is
	// structural here.
	transient  [][]*transientCheck
	persistent [][]*persistentCheck

	ctx   *ClientContext
	store BlockStore

	numPrios      int
	overloadSleep time.Duration
	emptyWait     time.Duration

	halt *idem.Halter
}

func NewDatastoreChecker(store BlockStore, ctx *ClientContext, cfg *Config) *DatastoreChecker {
	cfg.setDefaults()
	c := &DatastoreChecker{
		transient:     make([][]*transientCheck, cfg.NumPriorityClasses),
		persistent:    make([][]*persistentCheck, cfg.NumPriorityClasses),
		ctx:           ctx,
		store:         store,
		numPrios:      cfg.NumPriorityClasses,
		overloadSleep: cfg.OverloadSleep,
		emptyWait:     cfg.EmptyQueueWait,
		halt:          idem.NewHalter(),
	}
	c.cond = sync.NewCond(&c.mut)
	return c
}

// Start queues the loader once at high priority on the
// database executor, then launches the dispatch loop.
func (c *DatastoreChecker) Start(name string) {
	c.queueLoader(HighPriority)
	go c.run(name)
}

// Stop halts the dispatch loop and waits for it.
func (c *DatastoreChecker) Stop() {
	c.halt.ReqStop.Close()
	c.mut.Lock()
	c.cond.Broadcast()
	c.mut.Unlock()
	<-c.halt.Done.Chan
}

// WakeUp releases a dispatcher waiting for work.
func (c *DatastoreChecker) WakeUp() {
	c.mut.Lock()
	c.cond.Broadcast()
	c.mut.Unlock()
}

func (c *DatastoreChecker) stopRequested() bool {
	select {
	case <-c.halt.ReqStop.Chan:
		return true
	default:
		return false
	}
}

// clampPrio keeps a misclassified request from crashing a
// service loop; the host scheduler and the checker are
// configured with the same class count, so this should
// never fire.
func (c *DatastoreChecker) clampPrio(prio int) int {
	if prio < 0 {
		alwaysPrintf("datastore checker: priority %v below range, using 0", prio)
		return 0
	}
	if prio >= c.numPrios {
		alwaysPrintf("datastore checker: priority %v past range, using %v", prio, c.numPrios-1)
		return c.numPrios - 1
	}
	return prio
}

// QueueTransientRequest queues getter's keys for a store
// check ahead of any persistent work at the same priority.
func (c *DatastoreChecker) QueueTransientRequest(getter SendableGet, blocks BlockSet) {
	checkKeys := getter.ListKeys()
	prio := c.clampPrio(getter.PriorityClass())

	keys := make([]Key, len(checkKeys))
	copy(keys, checkKeys)

	c.mut.Lock()
	c.transient[prio] = append(c.transient[prio], &transientCheck{
		keys:   keys,
		getter: getter,
		blocks: blocks,
	})
	c.cond.Broadcast()
	c.mut.Unlock()
}

// QueuePersistentRequest registers getter, stores a
// CheckerItem, and, when the at-or-above-priority queue
// still has room, adopts the item and queues the keys. An
// item that does not get adopted here stays in the
// database with ChosenBy zero for the loader to pick up
// later. Must run on the database executor.
func (c *DatastoreChecker) QueuePersistentRequest(getter SendableGet, blocks BlockSet, db *ItemDB) error {
	checkKeys := getter.ListKeys()
	prio := c.clampPrio(getter.PriorityClass())
	dontCache := getter.DontCache()
	sched := getter.Scheduler(c.ctx)

	getterID := c.ctx.Registry.Register(getter, blocks)
	item := &CheckerItem{
		GetterID:     getterID,
		NodeDBHandle: c.ctx.NodeDBHandle,
		Prio:         prio,
	}
	if err := db.Store(item); err != nil {
		return err
	}

	keys := make([]Key, len(checkKeys))
	copy(keys, checkKeys)

	c.mut.Lock()
	// only count queued keys at no lower urgency than this
	// request.
	queueSize := 0
	for p := 0; p <= prio; p++ {
		for _, pc := range c.persistent[p] {
			queueSize += len(pc.keys)
		}
	}
	if queueSize > MaxPersistentKeys {
		c.mut.Unlock()
		return nil
	}
	item.ChosenBy = c.ctx.BootID
	c.persistent[prio] = append(c.persistent[prio], &persistentCheck{
		keys:      keys,
		getter:    getter,
		dontCache: dontCache,
		sched:     sched,
		item:      item,
		blocks:    blocks,
	})
	_, dropped := c.trimPersistentQueueLocked(prio)
	c.cond.Broadcast()
	c.mut.Unlock()

	if err := db.Store(item); err != nil {
		return err
	}
	return storeDropped(db, dropped)
}

// storeDropped persists items the trimmer handed back,
// after the checker mutex has been released.
func storeDropped(db *ItemDB, dropped []*CheckerItem) error {
	var firstErr error
	for _, it := range dropped {
		if err := db.Store(it); err != nil {
			alwaysPrintf("datastore checker: could not persist dropped item %v: %v", it.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *DatastoreChecker) queueLoader(prio int) {
	c.ctx.JobRunner.QueueNamed(loaderJobName, func(db *ItemDB, ctx *ClientContext) {
		c.LoadPersistentRequests(db)
	}, prio)
}

// LoadPersistentRequests replenishes the persistent queues
// from the database: adopt unadopted items highest
// priority first, purge items whose request is gone, stop
// once the key budget is spent. Runs on the database
// executor.
func (c *DatastoreChecker) LoadPersistentRequests(db *ItemDB) {
	totalSize := 0
	c.mut.Lock()
	for _, q := range c.persistent {
		for _, pc := range q {
			totalSize += len(pc.keys)
		}
	}
	c.mut.Unlock()
	if totalSize > MaxPersistentKeys {
		p("persistent datastore checker queue already full")
		return
	}
	for prio := 0; prio < c.numPrios; prio++ {
		items, err := db.ByPrio(c.ctx.NodeDBHandle, prio)
		if err != nil {
			alwaysPrintf("datastore checker loader: query at prio %v failed: %v", prio, err)
			continue
		}
		for _, item := range items {
			if item.ChosenBy == c.ctx.BootID {
				continue // already adopted this boot
			}
			getter, blocks, ok := c.ctx.Registry.Lookup(item.GetterID)
			if !ok {
				// request completed or cancelled; the item
				// is garbage.
				p("loader: dropping item %v, request %v is gone", item.ID, item.GetterID)
				if err := db.Delete(item.ID); err != nil {
					alwaysPrintf("datastore checker loader: delete of orphan item %v failed: %v", item.ID, err)
				}
				continue
			}
			dontCache := getter.DontCache()
			sched := getter.Scheduler(c.ctx)
			c.mut.Lock()
			dup := c.hasPersistentGetterLocked(prio, getter)
			c.mut.Unlock()
			if dup {
				continue
			}
			keys := getter.ListKeys()
			// snapshot: detach each key from whatever owns it.
			finalKeys := make([]Key, len(keys))
			for i, k := range keys {
				finalKeys[i] = k.Clone()
			}
			item.ChosenBy = c.ctx.BootID
			if err := db.Store(item); err != nil {
				alwaysPrintf("datastore checker loader: could not stamp item %v: %v", item.ID, err)
				continue
			}
			var dropped []*CheckerItem
			stillOver := false
			trimmed := false
			c.mut.Lock()
			if c.hasPersistentGetterLocked(prio, getter) {
				c.mut.Unlock()
				continue
			}
			c.persistent[prio] = append(c.persistent[prio], &persistentCheck{
				keys:      finalKeys,
				getter:    getter,
				dontCache: dontCache,
				sched:     sched,
				item:      item,
				blocks:    blocks,
			})
			if totalSize == 0 {
				c.cond.Broadcast()
			}
			totalSize += len(finalKeys)
			if totalSize > MaxPersistentKeys {
				trimmed = true
				stillOver, dropped = c.trimPersistentQueueLocked(prio)
				c.cond.Broadcast()
			}
			c.mut.Unlock()
			if trimmed {
				storeDropped(db, dropped)
				if stillOver {
					return
				}
			}
		}
	}
}

func (c *DatastoreChecker) hasPersistentGetterLocked(prio int, getter SendableGet) bool {
	for _, pc := range c.persistent[prio] {
		if pc.getter == getter {
			return true
		}
	}
	return false
}

// trimPersistentQueueLocked shrinks the persistent queues
// back toward MaxPersistentKeys without discarding
// anything at priority <= prio. Dropped entries have their
// item's ChosenBy reset to zero; the caller persists them
// once the mutex is released. Returns true while the
// queues are still over the limit.
//
// When the keys at strictly higher urgency already exceed
// the limit, everything less urgent than prio is dumped
// and the call reports still-over without reducing the
// high-priority overage. Longstanding behavior, kept
// as is.
func (c *DatastoreChecker) trimPersistentQueueLocked(prio int) (stillOver bool, dropped []*CheckerItem) {
	preQueueSize := 0
	for i := 0; i < prio; i++ {
		for _, pc := range c.persistent[i] {
			preQueueSize += len(pc.keys)
		}
	}
	if preQueueSize > MaxPersistentKeys {
		for i := prio + 1; i < c.numPrios; i++ {
			for _, pc := range c.persistent[i] {
				pc.item.ChosenBy = 0
				dropped = append(dropped, pc.item)
			}
			c.persistent[i] = nil
		}
		return true, dropped
	}
	postQueueSize := 0
	for i := prio + 1; i < c.numPrios; i++ {
		for _, pc := range c.persistent[i] {
			postQueueSize += len(pc.keys)
		}
	}
	if preQueueSize+postQueueSize < MaxPersistentKeys {
		return false, nil
	}
	// drop from the least urgent tail upward, never at or
	// above prio.
	for i := c.numPrios - 1; i > prio; i-- {
		for len(c.persistent[i]) > 0 {
			idx := len(c.persistent[i]) - 1
			pc := c.persistent[i][idx]
			c.persistent[i][idx] = nil
			c.persistent[i] = c.persistent[i][:idx]
			pc.item.ChosenBy = 0
			dropped = append(dropped, pc.item)
			postQueueSize -= len(pc.keys)
			if preQueueSize+postQueueSize < MaxPersistentKeys {
				return false, dropped
			}
		}
	}
	// still over the limit.
	return true, dropped
}

func (c *DatastoreChecker) run(name string) {
	defer c.halt.Done.Close()
	vv("%v: datastore checker running", name)
	for {
		if c.stopRequested() {
			return
		}
		c.checkOnce()
	}
}

// a dying checker thread would wedge the node, so faults
// are logged and the loop resumes.
func (c *DatastoreChecker) checkOnce() {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("datastore checker caught '%v'; stack:\n%v", r, stack())
		}
	}()
	c.realRun()
}

func (c *DatastoreChecker) realRun() {
	// If the completion queue is too large, don't check
	// any more blocks for now.
	queueSize := c.ctx.JobRunner.QueueSize(TripPendingPriority)
	if queueSize > overloadStopThreshold {
		select {
		case <-time.After(c.overloadSleep):
		case <-c.halt.ReqStop.Chan:
		}
		return
	}
	onlyTransient := queueSize > overloadTransientOnlyThreshold

	var tr *transientCheck
	var pe *persistentCheck
	c.mut.Lock()
	for {
		if c.stopRequested() {
			c.mut.Unlock()
			return
		}
		for prio := 0; prio < c.numPrios; prio++ {
			if len(c.transient[prio]) > 0 {
				tr = c.transient[prio][0]
				c.transient[prio] = c.transient[prio][1:]
				break
			} else if !onlyTransient && len(c.persistent[prio]) > 0 {
				pe = c.persistent[prio][0]
				c.persistent[prio] = c.persistent[prio][1:]
				break
			}
		}
		if tr == nil && pe == nil {
			c.waitLocked(c.emptyWait)
			c.queueLoader(HighPriority)
			continue
		}
		break
	}
	c.mut.Unlock()

	var keys []Key
	var getter SendableGet
	var blocks BlockSet
	var dontCache bool
	var sched RequestScheduler
	if pe != nil {
		keys = pe.keys
		getter = pe.getter
		blocks = pe.blocks
		dontCache = pe.dontCache
		sched = pe.sched
	} else {
		keys = tr.keys
		getter = tr.getter
		blocks = tr.blocks
		dontCache = getter.DontCache()
		sched = getter.Scheduler(c.ctx)
	}

	anyValid := false
	for _, key := range keys {
		var block KeyBlock
		if blocks != nil {
			block = blocks.Get(key)
		} else {
			block = c.store.Fetch(key, dontCache)
		}
		if block != nil {
			p("found %v in the datastore", key)
			// same trip for SSK and CHK.
			sched.TripPendingKey(block)
		} else {
			anyValid = true
		}
	}

	if pe != nil {
		c.queueLoader(HighPriority)
		item := pe.item
		valid := anyValid
		finalSched := sched
		g := getter
		c.ctx.JobRunner.Queue(func(db *ItemDB, ctx *ClientContext) {
			if _, _, ok := ctx.Registry.Lookup(item.GetterID); !ok {
				// completed and deleted already.
				p("request %v already gone, dropping finishRegister", item.GetterID)
				return
			}
			finalSched.FinishRegister([]SendableGet{g}, true, true, db, valid, item)
			c.LoadPersistentRequests(db)
		}, NormPriority)
	} else {
		sched.FinishRegister([]SendableGet{getter}, false, false, nil, anyValid, nil)
	}
}

// waitLocked is a timed wait on the checker condition;
// caller holds the mutex. The timeout is only a safety
// net against a missed wakeup.
func (c *DatastoreChecker) waitLocked(d time.Duration) {
	t := time.AfterFunc(d, func() {
		c.mut.Lock()
		c.cond.Broadcast()
		c.mut.Unlock()
	})
	c.cond.Wait()
	t.Stop()
}
