package sskstore

import (
	"container/heap"
	"sync"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// Database executor priorities; bigger is more urgent
// (these order jobs on the executor, not requests in the
// checker).
const (
	LowPriority  = 0
	NormPriority = 1
	HighPriority = 2

	// TripPendingPriority is where the downstream
	// scheduler queues its completion work; the checker
	// reads this backlog to decide whether to throttle.
	TripPendingPriority = NormPriority
)

// DBJob runs on the database executor goroutine, the only
// place the durable database is touched after startup.
type DBJob func(db *ItemDB, ctx *ClientContext)

// A dbJobItem is something we manage in the job heap.
type dbJobItem struct {
	job  DBJob
	prio int
	seq  uint64 // FIFO within one priority
	name string // non-empty for dedup'd jobs
}

// dbJobHeap implements heap.Interface.
type dbJobHeap []*dbJobItem

func (h dbJobHeap) Len() int { return len(h) }

func (h dbJobHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}

func (h dbJobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *dbJobHeap) Push(x any) {
	*h = append(*h, x.(*dbJobItem))
}

func (h *dbJobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DBJobRunner is the single-consumer database executor.
// The dispatcher (and anything else) hands it jobs over a
// mutex-guarded heap; one goroutine drains them in
// priority-then-arrival order.
type DBJobRunner struct {
	mut    sync.Mutex
	hea    dbJobHeap
	counts map[int]int
	named  map[string]bool
	seq    uint64

	db   *ItemDB
	ctx  *ClientContext
	kick chan struct{}
	halt *idem.Halter
}

func NewDBJobRunner(db *ItemDB) *DBJobRunner {
	return &DBJobRunner{
		counts: make(map[int]int),
		named:  make(map[string]bool),
		db:     db,
		kick:   make(chan struct{}, 1),
		halt:   idem.NewHalter(),
	}
}

// Start launches the executor goroutine. ctx is handed to
// every job; it is set once here and never mutated.
func (r *DBJobRunner) Start(ctx *ClientContext) {
	r.ctx = ctx
	go r.run()
}

func (r *DBJobRunner) Stop() {
	r.halt.ReqStop.Close()
	<-r.halt.Done.Chan
}

// Queue schedules an anonymous job at prio.
func (r *DBJobRunner) Queue(job DBJob, prio int) {
	r.queueItem(&dbJobItem{job: job, prio: prio})
}

// QueueNamed schedules a job unless one with the same name
// is already waiting; repeated wakeups of e.g. the loader
// collapse into a single run.
func (r *DBJobRunner) QueueNamed(name string, job DBJob, prio int) {
	r.queueItem(&dbJobItem{job: job, prio: prio, name: name})
}

func (r *DBJobRunner) queueItem(item *dbJobItem) {
	r.mut.Lock()
	if item.name != "" && r.named[item.name] {
		r.mut.Unlock()
		return
	}
	if item.name != "" {
		r.named[item.name] = true
	}
	r.seq++
	item.seq = r.seq
	heap.Push(&r.hea, item)
	r.counts[item.prio]++
	r.mut.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// QueueSize reports how many jobs are waiting at exactly
// prio. The checker throttles on the TripPendingPriority
// backlog.
func (r *DBJobRunner) QueueSize(prio int) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.counts[prio]
}

// Flush queues a low priority barrier job and returns a
// latch that closes once everything queued ahead of it has
// run. Mostly for tests and shutdown.
func (r *DBJobRunner) Flush() *loquet.Chan[struct{}] {
	latch := loquet.NewChan[struct{}](nil)
	r.Queue(func(db *ItemDB, ctx *ClientContext) {
		latch.Close()
	}, LowPriority)
	return latch
}

func (r *DBJobRunner) pop() *dbJobItem {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.hea) == 0 {
		return nil
	}
	item := heap.Pop(&r.hea).(*dbJobItem)
	r.counts[item.prio]--
	if item.name != "" {
		delete(r.named, item.name)
	}
	return item
}

func (r *DBJobRunner) run() {
	defer r.halt.Done.Close()
	for {
		item := r.pop()
		if item == nil {
			select {
			case <-r.kick:
				continue
			case <-r.halt.ReqStop.Chan:
				return
			}
		}
		r.runOne(item)

		select {
		case <-r.halt.ReqStop.Chan:
			return
		default:
		}
	}
}

// a dying executor would wedge the node, so jobs may not
// take it down.
func (r *DBJobRunner) runOne(item *dbJobItem) {
	defer func() {
		if rec := recover(); rec != nil {
			alwaysPrintf("db job runner caught '%v' in job '%v'; stack:\n%v", rec, item.name, stack())
		}
	}()
	item.job(r.db, r.ctx)
}
