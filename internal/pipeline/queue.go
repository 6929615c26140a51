package pipeline

import (
	"sync"
	"sync/atomic"
)

// Queue is an unbounded FIFO handoff between a producing stage and a pool of
// consuming workers. Push never blocks on consumers; backpressure comes from
// the bounded worker pools, not from channel capacity. Closing the queue
// drops whatever is still buffered once no worker is ready for it: those
// jobs stay in the store and the recovery service re-enqueues them on the
// next run.
type Queue[T any] struct {
	in  chan T
	out chan T

	mu     sync.Mutex
	closed bool

	size atomic.Int64
}

// NewQueue creates an open queue and starts its shuttle goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.run()
	return q
}

// run shuttles items from in to out through an in-memory buffer, so senders
// never wait for receivers. It exits when in closes, closing out behind it.
func (q *Queue[T]) run() {
	defer close(q.out)

	var buf []T
	for {
		// With an empty buffer the nil out channel disables the send case
		// and the select only waits for input.
		var out chan T
		var next T
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}

		select {
		case v, ok := <-q.in:
			if !ok {
				return
			}
			buf = append(buf, v)
			q.size.Store(int64(len(buf)))
		case out <- next:
			buf = buf[1:]
			q.size.Store(int64(len(buf)))
		}
	}
}

// Push appends an item. It reports false when the queue is already closed,
// in which case the item is discarded.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.in <- v
	return true
}

// Out returns the channel workers consume from. It closes after Close once
// the shuttle goroutine exits.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Len returns the number of buffered items not yet handed to a worker.
func (q *Queue[T]) Len() int { return int(q.size.Load()) }

// Close stops accepting items. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.in)
}
