// ============================================================================
// Category queues - priority-ordered pending requests
// ============================================================================
//
// Package: internal/queue
// File: queue.go
//
// Each category owns one Queue. Entries are kept priority-descending with
// ties broken by arrival order, so the head of the slice is always the next
// request to dispatch:
//
//   Push(p=5) Push(p=1) Push(p=5) Push(p=3)
//   -> [5#1, 5#3, 3#4, 1#2]
//
// Insertion is a binary search for the first entry with a strictly lower
// priority, which keeps equal priorities FIFO without a comparator on seq.
//
// Concurrency:
//   - every Queue has its own mutex
//   - Table guards the category map with an RWMutex; queue operations never
//     hold the table lock
//
// ============================================================================

package queue

import (
	"sort"
	"sync"
)

type entry[T any] struct {
	id       string
	priority int
	value    T
}

// Queue is one category's ordered pending list.
type Queue[T any] struct {
	mu      sync.Mutex
	entries []entry[T]
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{entries: make([]entry[T], 0)}
}

// Push inserts value behind every entry with priority >= priority.
func (q *Queue[T]) Push(id string, priority int, value T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].priority < priority
	})
	q.entries = append(q.entries, entry[T]{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = entry[T]{id: id, priority: priority, value: value}
}

// PopN removes and returns up to n entries from the head.
func (q *Queue[T]) PopN(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.entries) == 0 {
		return nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}

	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = q.entries[i].value
	}
	// zero the popped slots so values can be collected
	var zero entry[T]
	for i := 0; i < n; i++ {
		q.entries[i] = zero
	}
	q.entries = q.entries[n:]
	return out
}

// Remove deletes the entry with id. It reports false if the entry is gone,
// which means it was already dispatched or removed.
func (q *Queue[T]) Remove(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].id == id {
			v := q.entries[i].value
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return v, true
		}
	}
	var zero T
	return zero, false
}

// DrainAll empties the queue and returns its values in dispatch order.
func (q *Queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.entries))
	for i := range q.entries {
		out[i] = q.entries[i].value
	}
	q.entries = make([]entry[T], 0)
	return out
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Priorities returns the queued priorities in dispatch order.
func (q *Queue[T]) Priorities() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]int, len(q.entries))
	for i := range q.entries {
		out[i] = q.entries[i].priority
	}
	return out
}
