// Package queue holds the two buffer shapes shared between a device loop and
// its consumers: an append-only FIFO drained in one step, and a fixed-length
// ring used for live display.
package queue

import "sync"

// FIFO is a multi-producer, single-consumer queue. Producers append with Push;
// the consumer takes everything queued so far with Drain. Items are returned
// in the order they were pushed.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

// NewFIFO returns a FIFO. A limit of zero or less means unbounded.
func NewFIFO[T any](limit int) *FIFO[T] {
	return &FIFO[T]{limit: limit}
}

// Push appends v. It returns false, leaving the queue unchanged, when a limit
// is set and already reached.
func (q *FIFO[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// Drain removes and returns every queued item. A second Drain with no Push in
// between returns nil.
func (q *FIFO[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all queued items.
func (q *FIFO[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
