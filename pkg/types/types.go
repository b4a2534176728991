// Package types defines the domain model shared by every callgate component:
// call options, circuit states, load signals, events and stats snapshots.
package types

import (
	"context"
	"time"
)

// Operation is a unit of caller-supplied work. It receives the caller's
// context and runs to completion once dispatched.
type Operation func(ctx context.Context) (any, error)

// ============================================================================
// Call options
// ============================================================================

// Options enumerates every option recognized by Gate.Execute.
type Options struct {
	Priority  int           // higher is dispatched first; default 0
	Batchable bool          // eligible for the batching path; default true
	Timeout   time.Duration // queue-residency limit; 0 means none
	Retries   int           // reserved; values > 0 are rejected
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the options used when a caller passes none.
func DefaultOptions() Options {
	return Options{Batchable: true}
}

// NewOptions applies opts over DefaultOptions.
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Validate rejects option combinations this layer cannot honor.
func (o Options) Validate() error {
	if o.Retries > 0 {
		return ErrRetriesUnsupported
	}
	if o.Timeout < 0 {
		return ErrNegativeTimeout
	}
	return nil
}

// WithPriority sets the dispatch priority.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout limits how long the request may wait in its queue.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithoutBatching routes the call around the batching path.
func WithoutBatching() Option {
	return func(o *Options) { o.Batchable = false }
}

// WithRetries records a retry count. Retries are not performed by this layer,
// so Execute rejects any value above zero with ErrRetriesUnsupported.
func WithRetries(n int) Option {
	return func(o *Options) { o.Retries = n }
}

// ============================================================================
// Circuit breaker states
// ============================================================================

// CircuitState is the state of one category's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal dispatch
	CircuitOpen                         // fail fast, no dispatch
	CircuitHalfOpen                     // single-trial probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets states render by name in JSON reports.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *CircuitState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = CircuitClosed
	case "OPEN":
		*s = CircuitOpen
	case "HALF_OPEN":
		*s = CircuitHalfOpen
	default:
		return ErrUnknownState
	}
	return nil
}

// ============================================================================
// Load signals
// ============================================================================

// LoadSignal is an inbound message that changes the drain interval.
type LoadSignal string

const (
	HighLoad   LoadSignal = "high-load"
	NormalLoad LoadSignal = "normal-load"
)

// ParseLoadSignal accepts "high", "high-load", "normal" and "normal-load".
func ParseLoadSignal(s string) (LoadSignal, error) {
	switch s {
	case "high", string(HighLoad):
		return HighLoad, nil
	case "normal", string(NormalLoad):
		return NormalLoad, nil
	default:
		return "", ErrUnknownLoadSignal
	}
}

// ============================================================================
// Events
// ============================================================================

// EventType names an outbound event.
type EventType string

const (
	EventCircuitOpened EventType = "circuit-breaker-opened"
	EventCircuitReset  EventType = "circuit-breaker-reset"
)

// Event is published on breaker transitions of interest.
type Event struct {
	ID              string       `json:"id"`
	Type            EventType    `json:"type"`
	Category        string       `json:"category"`
	FailureCount    int          `json:"failure_count,omitempty"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
	From            CircuitState `json:"from"`
	At              time.Time    `json:"at"`
}

// ============================================================================
// Stats
// ============================================================================

// BreakerInfo describes one category's breaker at snapshot time.
type BreakerInfo struct {
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
}

// LatencyStats is the percentile summary over the latency sample buffer.
type LatencyStats struct {
	Samples int           `json:"samples"`
	Average time.Duration `json:"average"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// StatsSnapshot is a derived, point-in-time view. It is never a source of truth.
type StatsSnapshot struct {
	Latency             LatencyStats           `json:"latency"`
	TotalOperations     int64                  `json:"total_operations"`
	BatchedOperations   int64                  `json:"batched_operations"`
	CircuitBreakerTrips int64                  `json:"circuit_breaker_trips"`
	QueueSizes          map[string]int         `json:"queue_sizes"`
	Breakers            map[string]BreakerInfo `json:"breakers,omitempty"`
	TakenAt             time.Time              `json:"taken_at"`
}
