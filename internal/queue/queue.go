// Package queue provides the FIFO used wherever a producer must never block
// on a slow consumer: relay connection writers, the transport's inbound
// stream and the per-peer event workers of the mesh manager.
package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is a FIFO with an optional length bound.
//
// Push never blocks. Pop blocks until an item is available or the queue is
// closed and drained.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxLen int
	items  []T

	drops atomic.Uint64
}

// New returns a queue holding at most maxLen items. maxLen <= 0 means
// unbounded.
func New[T any](maxLen int) *Queue[T] {
	q := &Queue[T]{maxLen: maxLen}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends v. It reports false (and counts a drop) when the queue is
// closed or full.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.maxLen > 0 && len(q.items) >= q.maxLen) {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// Pop removes the oldest item. ok is false once the queue is closed and empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) DropCount() uint64 {
	return q.drops.Load()
}

// Close stops accepting items. Items already queued are still returned by
// Pop; use Discard to drop them.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Discard closes the queue and drops everything still queued.
func (q *Queue[T]) Discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
