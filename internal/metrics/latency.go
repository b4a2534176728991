package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/callgate/pkg/types"
)

// DefaultSampleSize is the latency buffer capacity used when none is given.
const DefaultSampleSize = 1000

// LatencyBuffer keeps the most recent durations in a fixed-size ring. Oldest
// samples are overwritten first.
type LatencyBuffer struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

// NewLatencyBuffer creates a buffer holding up to capacity samples.
func NewLatencyBuffer(capacity int) *LatencyBuffer {
	if capacity <= 0 {
		capacity = DefaultSampleSize
	}
	return &LatencyBuffer{buf: make([]time.Duration, capacity)}
}

// Record appends d, evicting the oldest sample when full.
func (b *LatencyBuffer) Record(d time.Duration) {
	b.mu.Lock()
	b.buf[b.next] = d
	b.next++
	if b.next == len(b.buf) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// Len returns the number of stored samples.
func (b *LatencyBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.buf)
	}
	return b.next
}

// Cap returns the buffer capacity.
func (b *LatencyBuffer) Cap() int { return len(b.buf) }

// Snapshot copies the samples, oldest first.
func (b *LatencyBuffer) Snapshot() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]time.Duration(nil), b.buf[:b.next]...)
	}
	out := make([]time.Duration, 0, len(b.buf))
	out = append(out, b.buf[b.next:]...)
	return append(out, b.buf[:b.next]...)
}

// Reset drops every sample.
func (b *LatencyBuffer) Reset() {
	b.mu.Lock()
	b.next = 0
	b.full = false
	b.mu.Unlock()
}

// ComputeStats returns the average and nearest-rank p95/p99 of samples.
// All fields are zero when samples is empty.
func ComputeStats(samples []time.Duration) types.LatencyStats {
	n := len(samples)
	if n == 0 {
		return types.LatencyStats{}
	}

	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return types.LatencyStats{
		Samples: n,
		Average: sum / time.Duration(n),
		P95:     nearestRank(sorted, 95),
		P99:     nearestRank(sorted, 99),
	}
}

// nearestRank returns sorted[ceil(pct/100*n)], clamped to the last sample.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	n := len(sorted)
	idx := (pct*n + 99) / 100
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
