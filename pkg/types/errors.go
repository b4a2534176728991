package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below unwrap to the matching sentinel so
// callers can classify with errors.Is.
var (
	ErrCircuitOpen           = errors.New("circuit breaker is open")
	ErrQueueTimeout          = errors.New("request timed out while queued")
	ErrRetriesUnsupported    = errors.New("retries are not performed by the scheduling layer")
	ErrNegativeTimeout       = errors.New("timeout must not be negative")
	ErrNilOperation          = errors.New("operation must not be nil")
	ErrBatchCleared          = errors.New("batch cleared before flush")
	ErrProcessorClosed       = errors.New("batch processor is closed")
	ErrResultCountMismatch   = errors.New("batch handler returned wrong number of results")
	ErrQueueCleared          = errors.New("request dropped by queue clear")
	ErrShutdown              = errors.New("scheduling layer is shut down")
	ErrDuplicateRegistration = errors.New("batch processor already registered for category")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrUnknownLoadSignal     = errors.New("unknown load signal")
	ErrUnknownState          = errors.New("unknown circuit state")
)

// CircuitOpenError is returned when a category's breaker rejects a call,
// either at call time or when the drain loop flushes the category's queue.
type CircuitOpenError struct {
	Category        string
	State           CircuitState
	FailureCount    int
	NextAttemptTime time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == CircuitHalfOpen {
		return fmt.Sprintf("circuit breaker for %q is half-open with a trial in flight", e.Category)
	}
	return fmt.Sprintf("circuit breaker for %q is open (failures=%d, next attempt %s)",
		e.Category, e.FailureCount, e.NextAttemptTime.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// TimeoutError is returned when a request outlives its queue-residency timeout.
type TimeoutError struct {
	Category  string
	RequestID string
	Timeout   time.Duration
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s in %q timed out after %s in queue (limit %s)",
		e.RequestID, e.Category, e.Waited, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrQueueTimeout }

// BatchHandlerError is delivered to every handle of a failed flush.
type BatchHandlerError struct {
	Batch string // processor name, usually the category
	Size  int    // number of items in the failed flush
	Err   error
}

func (e *BatchHandlerError) Error() string {
	return fmt.Sprintf("batch %q handler failed for %d items: %v", e.Batch, e.Size, e.Err)
}

func (e *BatchHandlerError) Unwrap() error { return e.Err }

// IsCircuitOpen reports whether err came from an open (or busy half-open) breaker.
func IsCircuitOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }

// IsTimeout reports whether err is a queue-residency timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrQueueTimeout) }
