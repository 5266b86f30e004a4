package websocket

import (
	"sync"

	"github.com/eapache/queue"
)

// fifoQueue serializes a sequence of compression operations so that the
// deflate context's rolling dictionaries (writeDict/readDict) are never
// read and replaced by two callers at once, per spec section 4.3 ("Queues serialize per-direction operations
// so that stream state is not corrupted by overlapping callers") and
// section 5 ("a second operation in the same direction waits for the
// first to finish before running").
//
// Backed by github.com/eapache/queue, a ring-buffer FIFO, rather than an
// unbounded slice: the deflate context's outgoing and incoming queues are
// drained in the same goroutine order they are appended in, which matters
// once a connection starts pipelining sends faster than the socket drains.
type fifoQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *queue.Queue
}

func newFIFOQueue() *fifoQueue {
	q := &fifoQueue{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// run enqueues fn and blocks until every fn enqueued before it has
// returned, then executes fn and returns its error. This gives callers a
// simple "take a ticket, wait your turn" API without exposing the queue's
// internal representation.
func (q *fifoQueue) run(fn func() error) error {
	ticket := make(chan struct{})
	q.mu.Lock()
	q.items.Add(ticket)
	front := q.items.Peek().(chan struct{})
	for front != ticket {
		q.cond.Wait()
		front = q.items.Peek().(chan struct{})
	}
	q.mu.Unlock()

	err := fn()

	q.mu.Lock()
	q.items.Remove()
	q.cond.Broadcast()
	q.mu.Unlock()

	return err
}
