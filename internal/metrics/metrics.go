// ============================================================================
// Metrics - latency statistics and Prometheus series
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Two views of the same outcomes:
//
//   1. In-process stats (read by Gate.Stats):
//      - latency ring buffer -> average / p95 / p99
//      - total, batched and circuit-trip counters
//
//   2. Prometheus series (scraped from /metrics):
//      - callgate_operations_total{category,outcome}   counter
//      - callgate_operation_latency_seconds{category}  histogram
//      - callgate_batched_operations_total{category}   counter
//      - callgate_circuit_trips_total{category}        counter
//      - callgate_dispatched_total{category}           counter
//      - callgate_queue_depth{category}                gauge
//      - callgate_circuit_state{category}              gauge (0 closed, 1 open, 2 half-open)
//
// Example queries:
//
//   # failure ratio per category
//   sum by (category) (rate(callgate_operations_total{outcome!="success"}[5m]))
//     / sum by (category) (rate(callgate_operations_total[5m]))
//
//   # p95 from the histogram
//   histogram_quantile(0.95, sum by (le) (rate(callgate_operation_latency_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/callgate/pkg/types"
)

// Outcome labels for callgate_operations_total.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
	OutcomeDropped     = "dropped"
)

// Outcome classifies an Execute result for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, types.ErrCircuitOpen):
		return OutcomeCircuitOpen
	case errors.Is(err, types.ErrQueueTimeout):
		return OutcomeTimeout
	case errors.Is(err, types.ErrQueueCleared), errors.Is(err, types.ErrShutdown), errors.Is(err, types.ErrBatchCleared):
		return OutcomeDropped
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// Collector records operation outcomes.
type Collector struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	batched      *prometheus.CounterVec
	trips        *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	circuitState *prometheus.GaugeVec

	samples *LatencyBuffer

	totalOps   atomic.Int64
	batchedOps atomic.Int64
	tripCount  atomic.Int64
}

// NewCollector creates a collector and registers its series with reg. A nil
// reg gets a private registry, which keeps independent instances apart.
func NewCollector(reg prometheus.Registerer, sampleSize int) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callgate_operations_total",
			Help: "Operations completed through the gate, by outcome",
		}, []string{"category", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callgate_operation_latency_seconds",
			Help:    "Latency from Execute entry to outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),
		batched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callgate_batched_operations_total",
			Help: "Operations delivered through a batch flush",
		}, []string{"category"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callgate_circuit_trips_total",
			Help: "Transitions into the OPEN state",
		}, []string{"category"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callgate_dispatched_total",
			Help: "Queued requests handed to the worker pool",
		}, []string{"category"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callgate_queue_depth",
			Help: "Requests currently queued",
		}, []string{"category"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callgate_circuit_state",
			Help: "Circuit state: 0 closed, 1 open, 2 half-open",
		}, []string{"category"}),
		samples: NewLatencyBuffer(sampleSize),
	}

	reg.MustRegister(
		c.operations,
		c.latency,
		c.batched,
		c.trips,
		c.dispatched,
		c.queueDepth,
		c.circuitState,
	)
	return c
}

// ObserveOperation records one Execute outcome: a latency sample, the total
// count and the outcome-labelled series.
func (c *Collector) ObserveOperation(category string, d time.Duration, err error) {
	c.samples.Record(d)
	c.totalOps.Add(1)
	c.operations.WithLabelValues(category, Outcome(err)).Inc()
	c.latency.WithLabelValues(category).Observe(d.Seconds())
}

// RecordBatched counts n operations delivered by one flush.
func (c *Collector) RecordBatched(category string, n int) {
	if n <= 0 {
		return
	}
	c.batchedOps.Add(int64(n))
	c.batched.WithLabelValues(category).Add(float64(n))
}

// RecordTrip counts a transition into OPEN.
func (c *Collector) RecordTrip(category string) {
	c.tripCount.Add(1)
	c.trips.WithLabelValues(category).Inc()
}

// RecordDispatch counts n requests handed to workers.
func (c *Collector) RecordDispatch(category string, n int) {
	if n > 0 {
		c.dispatched.WithLabelValues(category).Add(float64(n))
	}
}

// SetCircuitState publishes a category's breaker state.
func (c *Collector) SetCircuitState(category string, s types.CircuitState) {
	c.circuitState.WithLabelValues(category).Set(float64(s))
}

// UpdateQueueDepth publishes queue sizes.
func (c *Collector) UpdateQueueDepth(sizes map[string]int) {
	for category, n := range sizes {
		c.queueDepth.WithLabelValues(category).Set(float64(n))
	}
}

// Latency computes stats over the current samples.
func (c *Collector) Latency() types.LatencyStats {
	return ComputeStats(c.samples.Snapshot())
}

// Samples exposes the latency buffer.
func (c *Collector) Samples() *LatencyBuffer { return c.samples }

// Stats assembles a snapshot. Queue sizes and breaker details come from the
// components that own them.
func (c *Collector) Stats(queueSizes map[string]int, breakers map[string]types.BreakerInfo) types.StatsSnapshot {
	if queueSizes == nil {
		queueSizes = map[string]int{}
	}
	return types.StatsSnapshot{
		Latency:             c.Latency(),
		TotalOperations:     c.totalOps.Load(),
		BatchedOperations:   c.batchedOps.Load(),
		CircuitBreakerTrips: c.tripCount.Load(),
		QueueSizes:          queueSizes,
		Breakers:            breakers,
		TakenAt:             time.Now(),
	}
}
