// internal/reconcile/ring.go
package reconcile

import "sync"

// Ring is a thread-safe bounded log that keeps the most recent entries and
// evicts the oldest once full.
type Ring[T any] struct {
	mu           sync.Mutex
	buf          []T
	maxSize      int
	currentIndex int
	wrapped      bool

	totalEntries   uint64
	evictedEntries uint64
}

// NewRing creates a ring holding at most maxSize entries. maxSize < 1 is treated as 1.
func NewRing[T any](maxSize int) *Ring[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Ring[T]{
		buf:     make([]T, maxSize),
		maxSize: maxSize,
	}
}

// Add appends v, evicting the oldest entry when full.
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wrapped {
		r.evictedEntries++
	}
	r.buf[r.currentIndex] = v
	r.currentIndex = (r.currentIndex + 1) % r.maxSize
	if r.currentIndex == 0 {
		r.wrapped = true
	}
	r.totalEntries++
}

// Len returns the number of entries held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *Ring[T]) lenLocked() int {
	if r.wrapped {
		return r.maxSize
	}
	return r.currentIndex
}

// Items returns the entries oldest first.
func (r *Ring[T]) Items() []T {
	return r.Recent(0)
}

// Recent returns up to limit of the newest entries, oldest first. limit <= 0 returns all.
func (r *Ring[T]) Recent(limit int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.lenLocked()
	start := 0
	if r.wrapped {
		start = r.currentIndex
	}
	if limit > 0 && limit < count {
		start += count - limit
		count = limit
	}

	out := make([]T, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.buf[(start+i)%r.maxSize])
	}
	return out
}

// Clear drops every entry. Stats are kept.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.currentIndex = 0
	r.wrapped = false
}

// Stats returns how many entries were ever added and how many were evicted.
func (r *Ring[T]) Stats() (total, evicted uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalEntries, r.evictedEntries
}
