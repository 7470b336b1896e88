// Package reqqueue is the data-plane collaborator a vring hands kick
// events to once enabled: a single worker goroutine per request queue
// that drains a FIFO of ready queue ids and invokes each queue's
// registered dispatch work, decoupled from the control-plane event
// loop goroutine.
package reqqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is one request-queue worker. A real backend typically runs one
// per virtqueue to keep data-plane dispatch pinned off the
// control-plane goroutine, matching the separation the concurrency
// model requires between control-plane configuration and per-queue
// kick processing.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	work    map[int]func()
	closed  bool
}

// New creates an empty request queue.
func New() *Queue {
	q := &Queue{pending: queue.New(), work: make(map[int]func())}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Attach registers the dispatch function to run whenever queueID is enqueued.
func (q *Queue) Attach(queueID int, work func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.work[queueID] = work
	return nil
}

// Detach removes queueID's dispatch function. Work already enqueued
// for queueID is dropped rather than run once detached.
func (q *Queue) Detach(queueID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.work, queueID)
	return nil
}

// Enqueue schedules queueID's dispatch work to run on the worker
// goroutine. Bursts of kicks across many vrings collapse naturally:
// the FIFO only ever holds ids, and a queue id already pending is left
// as-is rather than duplicated.
func (q *Queue) Enqueue(queueID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for i := 0; i < q.pending.Length(); i++ {
		if q.pending.Get(i).(int) == queueID {
			return nil
		}
	}
	q.pending.Add(queueID)
	q.cond.Signal()
	return nil
}

// Run services the queue until Close is called. It is meant to run on
// its own goroutine, one per Queue.
func (q *Queue) Run() {
	for {
		q.mu.Lock()
		for q.pending.Length() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && q.pending.Length() == 0 {
			q.mu.Unlock()
			return
		}
		queueID := q.pending.Remove().(int)
		work := q.work[queueID]
		q.mu.Unlock()

		if work != nil {
			work()
		}
	}
}

// Close stops Run once the pending FIFO drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
