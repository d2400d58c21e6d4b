package queue

import "sync"

// Ring is a bounded buffer that evicts its oldest entry once full. It is
// written by exactly one goroutine; readers only take snapshots.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	full bool
}

// NewRing returns a ring holding at most size entries (minimum 1).
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Push stores v, overwriting the oldest entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Snapshot copies the stored entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Last returns the newest entry, if any.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if !r.full && r.next == 0 {
		return zero, false
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.buf) - 1
	}
	return r.buf[i], true
}
