// Package ringchan provides a bounded queue that never blocks its producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Queue is a typed channel with overwrite-oldest semantics.
//
// Producers on transport goroutines (radio reader, serial reader) call Push
// and never stall; when the consumer falls behind the oldest queued item is
// dropped and counted. Consumers range over C or call Pop.
//
//	q := ringchan.New[zephyr.Packet](64)
//	go func() {
//	    for p := range q.C() {
//	        handle(p)
//	    }
//	}()
//	q.Push(packet)
//
// Push after Close is a counted no-op.
type Queue[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	stats Stats
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Pushed  int64
	Popped  int64
	Dropped int64
	Refused int64 // pushes after Close
	Queued  int
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Reads through C are not counted in Popped.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Push enqueues v, dropping the oldest item if the queue is full.
// It reports whether an item was dropped to make room.
func (q *Queue[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		atomic.AddInt64(&q.stats.Refused, 1)
		return false
	}

	for {
		select {
		case q.ch <- v:
			atomic.AddInt64(&q.stats.Pushed, 1)
			return dropped
		default:
		}
		// Consumer may have drained in between; only count a real drop.
		select {
		case <-q.ch:
			atomic.AddInt64(&q.stats.Dropped, 1)
			dropped = true
		default:
		}
	}
}

// Pop blocks until an item is available. ok is false once the queue is closed
// and drained.
func (q *Queue[T]) Pop() (v T, ok bool) {
	v, ok = <-q.ch
	if ok {
		atomic.AddInt64(&q.stats.Popped, 1)
	}
	return v, ok
}

// Close stops accepting items. Queued items can still be received.
// Calling Close more than once is safe.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Stats returns the current counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Pushed:  atomic.LoadInt64(&q.stats.Pushed),
		Popped:  atomic.LoadInt64(&q.stats.Popped),
		Dropped: atomic.LoadInt64(&q.stats.Dropped),
		Refused: atomic.LoadInt64(&q.stats.Refused),
		Queued:  len(q.ch),
	}
}
