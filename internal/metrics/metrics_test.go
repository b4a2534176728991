package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/callgate/pkg/types"
)

// ============================================================================
// Latency buffer and percentile math
// ============================================================================

func TestLatencyBufferKeepsNewest(t *testing.T) {
	b := NewLatencyBuffer(1000)
	for i := 1; i <= 1200; i++ {
		b.Record(time.Duration(i) * time.Millisecond)
	}

	snap := b.Snapshot()
	require.Len(t, snap, 1000)
	assert.Equal(t, 1000, b.Len())
	assert.Equal(t, 201*time.Millisecond, snap[0], "oldest retained sample")
	assert.Equal(t, 1200*time.Millisecond, snap[999], "newest sample")
}

func TestLatencyBufferPartial(t *testing.T) {
	b := NewLatencyBuffer(0)
	assert.Equal(t, DefaultSampleSize, b.Cap())

	b.Record(3 * time.Millisecond)
	b.Record(1 * time.Millisecond)
	assert.Equal(t, []time.Duration{3 * time.Millisecond, time.Millisecond}, b.Snapshot())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())
}

func TestComputeStatsNearestRank(t *testing.T) {
	samples := make([]time.Duration, 0, 100)
	// shuffled-ish insertion so sorting matters
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	s := ComputeStats(samples)
	assert.Equal(t, 100, s.Samples)
	assert.Equal(t, 96*time.Millisecond, s.P95, "sorted[ceil(0.95*100)]")
	assert.Equal(t, 100*time.Millisecond, s.P99, "sorted[ceil(0.99*100)]")
	assert.Equal(t, 50500*time.Microsecond, s.Average)
	assert.Equal(t, 100*time.Millisecond, samples[0], "input must not be reordered")
}

func TestComputeStatsSmallSets(t *testing.T) {
	tests := []struct {
		name     string
		samples  []time.Duration
		p95, p99 time.Duration
	}{
		{"empty", nil, 0, 0},
		{"single", []time.Duration{7}, 7, 7},
		{"twenty", seq(20), 20, 20},
		{"two hundred", seq(200), 191, 199},
		{"ten", seq(10), 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ComputeStats(tt.samples)
			assert.Equal(t, tt.p95, s.P95)
			assert.Equal(t, tt.p99, s.P99)
		})
	}
}

func seq(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(i + 1)
	}
	return out
}

// ============================================================================
// Collector
// ============================================================================

func TestOutcome(t *testing.T) {
	tests := map[string]error{
		OutcomeSuccess:     nil,
		OutcomeError:       errors.New("boom"),
		OutcomeCircuitOpen: &types.CircuitOpenError{Category: "x"},
		OutcomeTimeout:     &types.TimeoutError{Category: "x"},
		OutcomeDropped:     fmt.Errorf("wrapped: %w", types.ErrQueueCleared),
		OutcomeCanceled:    context.Canceled,
	}
	for want, err := range tests {
		assert.Equal(t, want, Outcome(err), "%v", err)
	}
}

func TestCollectorRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, 10)

	c.ObserveOperation("ai", 10*time.Millisecond, nil)
	c.ObserveOperation("ai", 20*time.Millisecond, errors.New("boom"))
	c.ObserveOperation("edit", 30*time.Millisecond, nil)
	c.RecordBatched("edit", 3)
	c.RecordBatched("edit", 0)
	c.RecordTrip("ai")
	c.RecordDispatch("ai", 2)
	c.SetCircuitState("ai", types.CircuitOpen)
	c.UpdateQueueDepth(map[string]int{"ai": 4})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("ai", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("ai", OutcomeError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.batched.WithLabelValues("edit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trips.WithLabelValues("ai")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatched.WithLabelValues("ai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitState.WithLabelValues("ai")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("ai")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.latency))

	stats := c.Stats(nil, nil)
	assert.EqualValues(t, 3, stats.TotalOperations)
	assert.EqualValues(t, 3, stats.BatchedOperations)
	assert.EqualValues(t, 1, stats.CircuitBreakerTrips)
	assert.Equal(t, 3, stats.Latency.Samples)
	assert.Equal(t, 20*time.Millisecond, stats.Latency.Average)
	assert.NotNil(t, stats.QueueSizes)
}

func TestCollectorsAreIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil, 0)
		NewCollector(nil, 0)
	})

	reg := prometheus.NewRegistry()
	NewCollector(reg, 0)
	assert.Panics(t, func() { NewCollector(reg, 0) }, "same registry twice")
}

// ============================================================================
// HTTP exposition
// ============================================================================

func TestServerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	c := NewCollector(reg, 10)
	c.ObserveOperation("ai", time.Millisecond, nil)

	ts := httptest.NewServer(NewServer(":0", reg, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `callgate_operations_total{category="ai",outcome="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServerStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", prometheus.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
