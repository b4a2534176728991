package queue

import (
	"sort"
	"sync"
)

// Table maps category names to their queues. Queues are created on first push
// and kept for the table's lifetime.
type Table[T any] struct {
	mu     sync.RWMutex
	queues map[string]*Queue[T]
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{queues: make(map[string]*Queue[T])}
}

// Get returns the queue for category, or nil if none was ever created.
func (t *Table[T]) Get(category string) *Queue[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queues[category]
}

// GetOrCreate returns the queue for category, creating it if needed.
func (t *Table[T]) GetOrCreate(category string) *Queue[T] {
	t.mu.RLock()
	q, ok := t.queues[category]
	t.mu.RUnlock()
	if ok {
		return q
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// double-check after acquiring the write lock
	if q, ok = t.queues[category]; ok {
		return q
	}
	q = NewQueue[T]()
	t.queues[category] = q
	return q
}

// Push enqueues value in category.
func (t *Table[T]) Push(category, id string, priority int, value T) {
	t.GetOrCreate(category).Push(id, priority, value)
}

// Remove deletes id from category's queue.
func (t *Table[T]) Remove(category, id string) (T, bool) {
	if q := t.Get(category); q != nil {
		return q.Remove(id)
	}
	var zero T
	return zero, false
}

// Categories returns all known category names, sorted.
func (t *Table[T]) Categories() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.queues))
	for c := range t.queues {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// NonEmpty returns the names of categories with at least one queued entry.
func (t *Table[T]) NonEmpty() []string {
	var out []string
	for _, c := range t.Categories() {
		if q := t.Get(c); q != nil && q.Len() > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Sizes returns category -> queued count for every known category.
func (t *Table[T]) Sizes() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.queues))
	for c, q := range t.queues {
		out[c] = q.Len()
	}
	return out
}

// DrainAll empties every queue and returns the removed values by category.
func (t *Table[T]) DrainAll() map[string][]T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]T)
	for c, q := range t.queues {
		if vs := q.DrainAll(); len(vs) > 0 {
			out[c] = vs
		}
	}
	return out
}
