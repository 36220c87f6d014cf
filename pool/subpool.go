package pool

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// pendingEntry bundles a queued task with where to deliver its Result and
// its retry policy.
type pendingEntry struct {
	task       *Task
	resultCh   chan Result
	maxRetries int
	backoff    time.Duration
	attempts   int
}

// subPool is one tier (CPU or IO) of the two-tier pool: its own priority
// queue, its own elastic worker count and a pointer to its sibling tier
// for work-stealing. Workers are woken via wake rather than sync.Cond so
// surge workers (above min) can time out waiting for work and exit.
type subPool struct {
	kind Kind
	min  int
	max  int

	idleTimeout time.Duration

	mu        sync.Mutex
	queue     priorityQueue
	entries   map[*queuedTask]*pendingEntry
	seq       int64
	accepting bool

	wake chan struct{}

	workerCount atomic.Int64

	peer           *subPool
	stealThreshold float64
}

func newSubPool(kind Kind, min, max int, idleTimeout time.Duration) *subPool {
	sp := &subPool{
		kind:        kind,
		min:         min,
		max:         max,
		idleTimeout: idleTimeout,
		accepting:   true,
		wake:        make(chan struct{}, 1),
	}
	sp.entries = make(map[*queuedTask]*pendingEntry)
	heap.Init(&sp.queue)
	return sp
}

func (sp *subPool) incWorkers()  { sp.workerCount.Add(1) }
func (sp *subPool) decWorkers()  { sp.workerCount.Add(-1) }
func (sp *subPool) workers() int { return int(sp.workerCount.Load()) }

func (sp *subPool) queueLen() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.queue.Len()
}

func (sp *subPool) stopAccepting() {
	sp.mu.Lock()
	sp.accepting = false
	sp.mu.Unlock()
	sp.notify()
}

// notify wakes one blocked worker without blocking itself if the wake
// channel's single slot is already full.
func (sp *subPool) notify() {
	select {
	case sp.wake <- struct{}{}:
	default:
	}
}

func (sp *subPool) enqueue(task *Task, resultCh chan Result, maxRetries int, backoff time.Duration, _ zerolog.Logger) {
	qt := &queuedTask{task: task, priority: task.Priority, seq: sp.nextSeq()}
	sp.mu.Lock()
	heap.Push(&sp.queue, qt)
	sp.entries[qt] = &pendingEntry{task: task, resultCh: resultCh, maxRetries: maxRetries, backoff: backoff}
	sp.mu.Unlock()
	sp.notify()
}

func (sp *subPool) nextSeq() int64 { return atomic.AddInt64(&sp.seq, 1) }

// tryPop removes and returns the highest-priority pending entry without
// blocking, reporting false if the queue is currently empty.
func (sp *subPool) tryPop() (*pendingEntry, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.queue.Len() == 0 {
		return nil, false
	}
	qt := heap.Pop(&sp.queue).(*queuedTask)
	e := sp.entries[qt]
	delete(sp.entries, qt)
	return e, true
}

func (sp *subPool) isAccepting() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.accepting
}

// globalPressure estimates combined occupancy across both tiers as
// (spawned workers+queued)/capacity, counting idle workers as well as
// busy ones, used to decide whether an idle worker should
// steal from its peer tier.
func (sp *subPool) globalPressure() float64 {
	if sp.peer == nil {
		return 0
	}
	capacity := float64(sp.max + sp.peer.max)
	if capacity == 0 {
		return 0
	}
	inUse := float64(sp.workers() + sp.peer.workers() + sp.queueLen() + sp.peer.queueLen())
	return inUse / capacity
}

// runWorker is a sub-pool worker's main loop. Base workers (index < min)
// block indefinitely for work; surge workers exit after idleTimeout spent
// with nothing to do.
func (sp *subPool) runWorker(p *Pool) {
	isBase := sp.workers() <= sp.min

	for {
		if e, ok := sp.tryPop(); ok {
			sp.execute(e, p)
			continue
		}

		if sp.peer != nil && sp.globalPressure() > sp.stealThreshold {
			if e, ok := sp.peer.steal(); ok {
				sp.execute(e, p)
				continue
			}
		}

		if !sp.isAccepting() && sp.queueLen() == 0 {
			return
		}

		if isBase {
			<-sp.wake
			continue
		}

		select {
		case <-sp.wake:
		case <-time.After(sp.idleTimeout):
			if _, ok := sp.tryPop(); !ok {
				return
			}
		}
	}
}

// steal removes one pending entry from this tier for a peer's idle
// worker to execute.
func (sp *subPool) steal() (*pendingEntry, bool) {
	return sp.tryPop()
}

func (sp *subPool) execute(e *pendingEntry, p *Pool) {
	defer p.wg.Done()

	for {
		e.attempts++
		ctx := context.Background()
		var cancel context.CancelFunc
		if e.task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, e.task.Timeout)
		}
		err := e.task.Fn(ctx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			e.resultCh <- Result{TaskID: e.task.ID, Err: nil, Attempts: e.attempts}
			return
		}

		if !shouldRetry(err) || e.attempts > e.maxRetries {
			e.resultCh <- Result{TaskID: e.task.ID, Err: err, Attempts: e.attempts}
			return
		}

		time.Sleep(time.Duration(e.attempts) * e.backoff)
	}
}
