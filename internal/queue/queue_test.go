package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Queue ordering
// ============================================================================

func TestPushOrdersByPriorityThenArrival(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a", 5, "5-first")
	q.Push("b", 1, "1")
	q.Push("c", 5, "5-second")
	q.Push("d", 3, "3")

	assert.Equal(t, []int{5, 5, 3, 1}, q.Priorities())
	assert.Equal(t, []string{"5-first", "5-second", "3", "1"}, q.PopN(10))
	assert.Equal(t, 0, q.Len())
}

func TestPushNegativePriorities(t *testing.T) {
	q := NewQueue[int]()
	for i, p := range []int{0, -2, 4, -2, 0} {
		q.Push(fmt.Sprint(i), p, i)
	}
	assert.Equal(t, []int{4, 0, 0, -2, -2}, q.Priorities())
	assert.Equal(t, []int{2, 0, 4, 1, 3}, q.PopN(5))
}

func TestPopN(t *testing.T) {
	tests := []struct {
		name   string
		queued int
		n      int
		want   int
		left   int
	}{
		{"empty queue", 0, 3, 0, 0},
		{"fewer than n", 2, 3, 2, 0},
		{"exactly n", 3, 3, 3, 0},
		{"more than n", 5, 3, 3, 2},
		{"zero n", 4, 0, 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue[int]()
			for i := 0; i < tt.queued; i++ {
				q.Push(fmt.Sprint(i), 0, i)
			}
			got := q.PopN(tt.n)
			assert.Len(t, got, tt.want)
			assert.Equal(t, tt.left, q.Len())
		})
	}
}

func TestRemove(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a", 1, "A")
	q.Push("b", 1, "B")

	v, ok := q.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "A", v)

	_, ok = q.Remove("a")
	assert.False(t, ok, "second remove must report the entry is gone")
	assert.Equal(t, []string{"B"}, q.DrainAll())
}

func TestConcurrentPushKeepsOrdering(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(fmt.Sprintf("%d-%d", w, i), i%7, i)
			}
		}(w)
	}
	wg.Wait()

	prios := q.Priorities()
	require.Len(t, prios, 800)
	for i := 1; i < len(prios); i++ {
		assert.GreaterOrEqual(t, prios[i-1], prios[i], "position %d", i)
	}
}

// ============================================================================
// Table
// ============================================================================

func TestTableSizesAndDrain(t *testing.T) {
	tbl := NewTable[string]()
	tbl.Push("x", "1", 10, "A")
	tbl.Push("x", "2", 1, "B")
	tbl.Push("y", "3", 0, "C")

	assert.Equal(t, map[string]int{"x": 2, "y": 1}, tbl.Sizes())
	assert.Equal(t, []string{"x", "y"}, tbl.NonEmpty())

	_, ok := tbl.Remove("y", "3")
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, tbl.NonEmpty())

	drained := tbl.DrainAll()
	assert.Equal(t, []string{"A", "B"}, drained["x"])
	assert.NotContains(t, drained, "y")
	assert.Equal(t, map[string]int{"x": 0, "y": 0}, tbl.Sizes())
}

func TestTableRemoveUnknownCategory(t *testing.T) {
	tbl := NewTable[int]()
	_, ok := tbl.Remove("nope", "id")
	assert.False(t, ok)
	assert.Nil(t, tbl.Get("nope"))
}

func TestTableGetOrCreateIsStable(t *testing.T) {
	tbl := NewTable[int]()
	var wg sync.WaitGroup
	queues := make([]*Queue[int], 16)
	for i := range queues {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			queues[i] = tbl.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()
	for _, q := range queues {
		assert.Same(t, queues[0], q)
	}
}
