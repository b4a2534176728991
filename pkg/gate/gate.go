// ============================================================================
// Gate - single entry point for scheduled, batched and guarded calls
// ============================================================================
//
// Package: pkg/gate
// File: gate.go
//
// Execute routing:
//
//   Execute(ctx, category, op, opts...)
//     ├─ options invalid / nil op       -> error, nothing recorded
//     ├─ gate shut down                 -> types.ErrShutdown
//     ├─ breaker OPEN                   -> *types.CircuitOpenError, op never runs
//     ├─ BatchingEnabled && Batchable   -> category batch, flushed by size/timer
//     │    (skipped while HALF_OPEN so only one trial runs)
//     ├─ PriorityQueuesEnabled          -> scheduler queue, drained on a ticker
//     └─ otherwise                      -> inline on the caller's goroutine
//
// Every routed call ends in exactly one latency sample and one operation
// count. The op's own outcome is recorded with the breaker where it ran.
//
// Shutdown order:
//   mark closed -> close batch processors -> scheduler.Stop() -> reset breakers -> bus.Close()
//
// ============================================================================

package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/callgate/internal/breaker"
	"github.com/ChuLiYu/callgate/internal/events"
	"github.com/ChuLiYu/callgate/internal/metrics"
	"github.com/ChuLiYu/callgate/internal/scheduler"
	"github.com/ChuLiYu/callgate/internal/worker"
	"github.com/ChuLiYu/callgate/pkg/batch"
	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// Option configures a Gate.
type Option func(*settings)

type settings struct {
	log   logger.Logger
	reg   prometheus.Registerer
	clock func() time.Time
}

// WithLogger sets the logger shared by every component of the gate.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.log = logger.OrNop(l) }
}

// WithRegisterer registers the gate's Prometheus series with reg. Without it
// the gate uses a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.reg = reg }
}

// WithClock replaces time.Now for breaker timing.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

// closer is a registered batch processor as seen by Shutdown.
type closer interface {
	Close()
}

// Gate wires the breaker table, scheduler, batch processors and metrics
// together. Create one with New and stop it with Shutdown.
type Gate struct {
	cfg       Config
	log       logger.Logger
	breakers  *breaker.Table
	sched     *scheduler.Scheduler // nil when priority queues are disabled
	collector *metrics.Collector
	bus       *events.Bus

	mu         sync.Mutex
	batchers   map[string]*batch.Processor[*call, any]
	registered map[string]closer

	closed atomic.Bool
}

// New validates cfg and starts the gate.
func New(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := settings{log: logger.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}

	g := &Gate{
		cfg:        cfg,
		log:        s.log.Named("gate"),
		collector:  metrics.NewCollector(s.reg, cfg.LatencySamples),
		bus:        events.NewBus(s.log.Named("events")),
		batchers:   make(map[string]*batch.Processor[*call, any]),
		registered: make(map[string]closer),
	}

	breakerOpts := []breaker.Option{
		breaker.WithLogger(s.log.Named("breaker")),
		breaker.OnStateChange(g.onTransition),
	}
	if s.clock != nil {
		breakerOpts = append(breakerOpts, breaker.WithClock(s.clock))
	}
	g.breakers = breaker.New(cfg.CircuitBreaker, breakerOpts...)

	if cfg.PriorityQueuesEnabled {
		g.sched = scheduler.New(cfg.Scheduler, g.breakers,
			scheduler.WithLogger(s.log.Named("scheduler")),
			scheduler.WithRecorder(g.collector))
		if err := g.sched.Start(); err != nil {
			return nil, err
		}
	}

	g.log.Info("gate started",
		logger.Bool("batching", cfg.BatchingEnabled),
		logger.Bool("priority_queues", cfg.PriorityQueuesEnabled),
		logger.Bool("circuit_breaker", cfg.CircuitBreaker.Enabled))
	return g, nil
}

func (g *Gate) onTransition(tr breaker.Transition) {
	g.collector.SetCircuitState(tr.Category, tr.To)
	if tr.To != types.CircuitOpen {
		return
	}
	g.collector.RecordTrip(tr.Category)
	g.bus.Publish(types.Event{
		Type:            types.EventCircuitOpened,
		Category:        tr.Category,
		FailureCount:    tr.FailureCount,
		NextAttemptTime: tr.NextAttemptTime,
		From:            tr.From,
		At:              tr.At,
	})
}

// ============================================================================
// Execute
// ============================================================================

// Execute runs op under category and returns its result.
//
// Errors are the op's own error, or one of *types.CircuitOpenError,
// *types.TimeoutError, *types.BatchHandlerError, ctx.Err() when cancelled
// while queued, types.ErrQueueCleared, types.ErrShutdown, or an option
// validation error such as types.ErrRetriesUnsupported.
func (g *Gate) Execute(ctx context.Context, category string, op types.Operation, opts ...types.Option) (any, error) {
	o := types.NewOptions(opts...)
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if op == nil {
		return nil, types.ErrNilOperation
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	value, err := g.route(ctx, category, op, o)
	g.collector.ObserveOperation(category, time.Since(start), err)
	return value, err
}

func (g *Gate) route(ctx context.Context, category string, op types.Operation, o types.Options) (any, error) {
	if g.closed.Load() {
		return nil, types.ErrShutdown
	}
	if err := g.breakers.Admit(category); err != nil {
		return nil, err
	}

	switch {
	case g.cfg.BatchingEnabled && o.Batchable && g.breakers.State(category) != types.CircuitHalfOpen:
		return g.executeBatched(ctx, category, op)
	case g.sched != nil:
		return g.sched.Submit(ctx, category, op, o.Priority, o.Timeout)
	default:
		return g.executeInline(ctx, category, op)
	}
}

// executeInline runs op on the caller's goroutine. A half-open breaker lets
// only one inline trial through at a time.
func (g *Gate) executeInline(ctx context.Context, category string, op types.Operation) (any, error) {
	probe, err := g.breakers.Acquire(category)
	if err != nil {
		return nil, err
	}
	if probe {
		defer g.breakers.ReleaseProbe(category)
	}

	value, err := worker.Call(ctx, op)
	g.breakers.Record(category, err)
	return value, err
}

// Do is Execute with a typed result. A nil result from a successful op yields
// the zero T.
func Do[T any](ctx context.Context, g *Gate, category string, fn func(context.Context) (T, error), opts ...types.Option) (T, error) {
	var zero T
	if fn == nil {
		return zero, types.ErrNilOperation
	}
	v, err := g.Execute(ctx, category, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// ============================================================================
// Introspection and operator actions
// ============================================================================

// Stats returns a point-in-time snapshot of latency, counters, queue sizes
// and breaker details.
func (g *Gate) Stats() types.StatsSnapshot {
	return g.collector.Stats(g.QueueSizes(), g.breakers.Snapshot())
}

// QueueSizes returns category -> queued request count.
func (g *Gate) QueueSizes() map[string]int {
	if g.sched == nil {
		return map[string]int{}
	}
	return g.sched.QueueSizes()
}

// CircuitState returns category's breaker state.
func (g *Gate) CircuitState(category string) types.CircuitState {
	return g.breakers.State(category)
}

// ResetCircuitBreaker discards category's breaker state and publishes a
// reset event, whether or not the category had any state.
func (g *Gate) ResetCircuitBreaker(category string) {
	existed := g.breakers.Reset(category)
	g.collector.SetCircuitState(category, types.CircuitClosed)
	g.bus.Publish(types.Event{
		Type:     types.EventCircuitReset,
		Category: category,
	})
	g.log.Info("circuit breaker reset",
		logger.String("category", category),
		logger.Bool("had_state", existed))
}

// ClearQueues drops every queued request, failing each with
// types.ErrQueueCleared, and returns how many were dropped. It never fails.
func (g *Gate) ClearQueues() int {
	if g.sched == nil {
		return 0
	}
	n := g.sched.ClearQueues()
	g.collector.UpdateQueueDepth(g.sched.QueueSizes())
	g.log.Info("queues cleared", logger.Int("dropped", n))
	return n
}

// SignalLoad switches the drain interval. It reports false when the signal
// was dropped or priority queues are disabled.
func (g *Gate) SignalLoad(sig types.LoadSignal) bool {
	if g.sched == nil {
		return false
	}
	return g.sched.SignalLoad(sig)
}

// LoadSignals exposes the inbound load-signal channel. It is nil when
// priority queues are disabled.
func (g *Gate) LoadSignals() chan<- types.LoadSignal {
	if g.sched == nil {
		return nil
	}
	return g.sched.LoadSignals()
}

// DrainInterval returns the current drain interval, or 0 without a scheduler.
func (g *Gate) DrainInterval() time.Duration {
	if g.sched == nil {
		return 0
	}
	return g.sched.Interval()
}

// Subscribe returns a channel of breaker events and a cancel function.
func (g *Gate) Subscribe(buffer int) (<-chan types.Event, func()) {
	return g.bus.Subscribe(buffer)
}

// Config returns the configuration the gate was built with.
func (g *Gate) Config() Config { return g.cfg }

// Shutdown clears every batch processor, stops the scheduler (failing queued
// requests with types.ErrShutdown after in-flight ones finish), discards
// breaker state and closes event subscriptions. Later calls fail with
// types.ErrShutdown. It is safe to call more than once.
func (g *Gate) Shutdown() {
	if !g.closed.CompareAndSwap(false, true) {
		return
	}

	g.mu.Lock()
	procs := make([]closer, 0, len(g.batchers)+len(g.registered))
	for _, p := range g.batchers {
		procs = append(procs, p)
	}
	for _, p := range g.registered {
		procs = append(procs, p)
	}
	g.batchers = make(map[string]*batch.Processor[*call, any])
	g.registered = make(map[string]closer)
	g.mu.Unlock()

	for _, p := range procs {
		p.Close()
	}
	if g.sched != nil {
		g.sched.Stop()
	}
	g.breakers.ResetAll()
	g.bus.Close()

	g.log.Info("gate shut down", logger.Int("batch_processors_closed", len(procs)))
}
