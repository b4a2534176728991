// ============================================================================
// Scheduler - priority queues drained on a ticker
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
//
// Loops (2 goroutines):
//   1. drainLoop  - every DrainInterval (HighLoadInterval under high load)
//                   walk the non-empty category queues and dispatch work
//   2. resultLoop - consume worker results, feed the breaker, settle callers
//
// One drain tick, per non-empty category:
//   OPEN      -> remove every queued request, fail it with CircuitOpenError
//   HALF_OPEN -> dispatch one trial if none is in flight, leave the rest
//   CLOSED    -> pop up to MaxConcurrentPerCategory - inFlight[category]
//                in priority order and hand them to the worker pool
//
// Popped requests are started by a per-tick starter goroutine, one at a
// time: the next request is submitted only after a worker has picked up the
// previous one. Start order within a category is therefore pop order, and the
// drain loop never blocks on a saturated pool.
//
// A request leaves its queue exactly once: popped by the drain, removed by
// its residency timer, removed by the caller's cancellation, or drained by
// ClearQueues/Stop. Whoever removes it settles it.
//
// Lock order: s.mu (in-flight bookkeeping) before any queue lock.
//
// Shutdown order:
//   close(stopCh) -> pool.Stop() -> loopWg.Wait() -> startWg.Wait()
//   -> fail leftovers
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/callgate/internal/queue"
	"github.com/ChuLiYu/callgate/internal/worker"
	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls the drain loop and the worker pool behind it.
type Config struct {
	DrainInterval            time.Duration `yaml:"drain_interval" env:"CALLGATE_DRAIN_INTERVAL"`
	HighLoadInterval         time.Duration `yaml:"high_load_interval" env:"CALLGATE_HIGH_LOAD_INTERVAL"`
	MaxConcurrentPerCategory int           `yaml:"max_concurrent_per_category" env:"CALLGATE_MAX_CONCURRENT_PER_CATEGORY"`
	Workers                  int           `yaml:"workers" env:"CALLGATE_WORKERS"`
	QueueBuffer              int           `yaml:"queue_buffer" env:"CALLGATE_QUEUE_BUFFER"`
}

// DefaultConfig returns 10ms/5ms ticks, 3 per category, 32 workers.
func DefaultConfig() Config {
	return Config{
		DrainInterval:            10 * time.Millisecond,
		HighLoadInterval:         5 * time.Millisecond,
		MaxConcurrentPerCategory: 3,
		Workers:                  32,
		QueueBuffer:              256,
	}
}

// Validate checks every field is usable.
func (c Config) Validate() error {
	switch {
	case c.DrainInterval <= 0:
		return fmt.Errorf("%w: drain interval must be positive", types.ErrInvalidConfig)
	case c.HighLoadInterval <= 0:
		return fmt.Errorf("%w: high-load interval must be positive", types.ErrInvalidConfig)
	case c.MaxConcurrentPerCategory <= 0:
		return fmt.Errorf("%w: max concurrent per category must be positive", types.ErrInvalidConfig)
	case c.Workers <= 0:
		return fmt.Errorf("%w: worker count must be positive", types.ErrInvalidConfig)
	case c.QueueBuffer < 0:
		return fmt.Errorf("%w: queue buffer must not be negative", types.ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
// Collaborators
// ============================================================================

// Breakers is the circuit breaker view the drain loop needs.
type Breakers interface {
	Admit(category string) error
	State(category string) types.CircuitState
	Acquire(category string) (probe bool, err error)
	ReleaseProbe(category string)
	Record(category string, err error)
}

// Recorder receives dispatch and queue-depth observations.
type Recorder interface {
	RecordDispatch(category string, n int)
	UpdateQueueDepth(sizes map[string]int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(string, int)     {}
func (nopRecorder) UpdateQueueDepth(map[string]int) {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.log = logger.OrNop(l) }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rec = r
		}
	}
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler owns the category queues and dispatches them to a worker pool.
type Scheduler struct {
	cfg      Config
	queues   *queue.Table[*request]
	breakers Breakers
	pool     *worker.Pool
	log      logger.Logger
	rec      Recorder

	mu       sync.Mutex
	inFlight map[string]int
	running  map[string]*request

	lifecycle sync.RWMutex
	started   bool
	stopped   bool

	signals  chan types.LoadSignal
	interval atomic.Int64
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	startWg  sync.WaitGroup
}

// New creates a scheduler. Call Start before submitting.
func New(cfg Config, breakers Breakers, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		queues:   queue.NewTable[*request](),
		breakers: breakers,
		log:      logger.NewNop(),
		rec:      nopRecorder{},
		inFlight: make(map[string]int),
		running:  make(map[string]*request),
		signals:  make(chan types.LoadSignal, 8),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = worker.NewPool(cfg.QueueBuffer, s.log.Named("worker"))
	s.interval.Store(int64(cfg.DrainInterval))
	return s
}

// Start launches the worker pool, the drain loop and the result loop.
func (s *Scheduler) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stopped {
		return types.ErrShutdown
	}
	if s.started {
		return nil
	}

	if err := s.pool.Start(s.cfg.Workers); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	s.loopWg.Add(2)
	go s.drainLoop()
	go s.resultLoop()
	s.started = true

	s.log.Info("scheduler started",
		logger.Duration("drain_interval", s.cfg.DrainInterval),
		logger.Int("workers", s.cfg.Workers),
		logger.Int("max_concurrent_per_category", s.cfg.MaxConcurrentPerCategory))
	return nil
}

// Submit queues op under category and waits for its outcome.
//
// The result is the operation's own value and error once it has run, or one
// of: *types.CircuitOpenError (flushed by an open breaker),
// *types.TimeoutError (queue residency exceeded), ctx.Err() (cancelled while
// queued), types.ErrQueueCleared, types.ErrShutdown.
func (s *Scheduler) Submit(ctx context.Context, category string, op types.Operation, priority int, timeout time.Duration) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := newRequest(ctx, uuid.NewString(), category, op, priority, timeout)

	s.lifecycle.RLock()
	if s.stopped {
		s.lifecycle.RUnlock()
		return nil, types.ErrShutdown
	}
	s.queues.Push(category, r.id, priority, r)
	s.lifecycle.RUnlock()

	r.armTimer(func() { s.expire(r) })

	s.log.Debug("request queued",
		logger.String("request_id", r.id),
		logger.String("category", category),
		logger.Int("priority", priority))

	select {
	case o := <-r.done:
		return o.value, o.err
	case <-ctx.Done():
		if _, ok := s.queues.Remove(category, r.id); ok {
			r.settle(nil, ctx.Err())
		}
		// either we settled it, or it is dispatched and will settle on completion
		o := <-r.done
		return o.value, o.err
	}
}

func (s *Scheduler) expire(r *request) {
	if _, ok := s.queues.Remove(r.category, r.id); !ok {
		return
	}
	waited := r.waited()
	if r.settle(nil, &types.TimeoutError{
		Category:  r.category,
		RequestID: r.id,
		Timeout:   r.timeout,
		Waited:    waited,
	}) {
		s.log.Warn("request timed out in queue",
			logger.String("request_id", r.id),
			logger.String("category", r.category),
			logger.Duration("timeout", r.timeout),
			logger.Duration("waited", waited))
	}
}

// ============================================================================
// Drain loop
// ============================================================================

func (s *Scheduler) drainLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case sig := <-s.signals:
			s.applySignal(ticker, sig)
		case <-ticker.C:
			// recheck so a tick racing with Stop does not dispatch
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.drainTick()
		}
	}
}

func (s *Scheduler) applySignal(ticker *time.Ticker, sig types.LoadSignal) {
	var next time.Duration
	switch sig {
	case types.HighLoad:
		next = s.cfg.HighLoadInterval
	case types.NormalLoad:
		next = s.cfg.DrainInterval
	default:
		s.log.Warn("unknown load signal ignored", logger.String("signal", string(sig)))
		return
	}

	prev := time.Duration(s.interval.Load())
	if prev == next {
		return
	}
	ticker.Reset(next)
	s.interval.Store(int64(next))
	s.log.Info("drain interval changed",
		logger.String("signal", string(sig)),
		logger.Duration("from", prev),
		logger.Duration("to", next))
}

// DrainNow runs one drain pass on the calling goroutine.
func (s *Scheduler) DrainNow() { s.drainTick() }

func (s *Scheduler) drainTick() {
	for _, category := range s.queues.NonEmpty() {
		if err := s.breakers.Admit(category); err != nil {
			s.failCategory(category, err)
			continue
		}
		if s.breakers.State(category) == types.CircuitHalfOpen {
			s.dispatchTrial(category)
			continue
		}
		s.dispatchAvailable(category)
	}
	s.rec.UpdateQueueDepth(s.queues.Sizes())
}

// failCategory flushes a category whose breaker is open.
func (s *Scheduler) failCategory(category string, err error) {
	q := s.queues.Get(category)
	if q == nil {
		return
	}
	reqs := q.DrainAll()
	for _, r := range reqs {
		r.settle(nil, err)
	}
	if len(reqs) > 0 {
		s.log.Warn("circuit open, queued requests failed fast",
			logger.String("category", category),
			logger.Int("count", len(reqs)))
	}
}

func (s *Scheduler) dispatchTrial(category string) {
	probe, err := s.breakers.Acquire(category)
	if err != nil {
		return // a trial is already in flight
	}
	reqs := s.pop(category, 1)
	if len(reqs) == 0 {
		if probe {
			s.breakers.ReleaseProbe(category)
		}
		return
	}
	reqs[0].probe = probe
	s.startInOrder(reqs)
	s.rec.RecordDispatch(category, 1)
}

func (s *Scheduler) dispatchAvailable(category string) {
	reqs := s.pop(category, s.cfg.MaxConcurrentPerCategory)
	if len(reqs) == 0 {
		return
	}
	s.startInOrder(reqs)
	s.rec.RecordDispatch(category, len(reqs))
}

// startInOrder starts reqs on the pool in slice order without blocking the
// caller.
func (s *Scheduler) startInOrder(reqs []*request) {
	s.startWg.Add(1)
	go func() {
		defer s.startWg.Done()
		for _, r := range reqs {
			started := make(chan struct{})
			if s.dispatch(r, func() { close(started) }) {
				<-started
			}
		}
	}()
}

// pop removes up to limit-inFlight requests and counts them as in flight.
func (s *Scheduler) pop(category string, limit int) []*request {
	q := s.queues.Get(category)
	if q == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	avail := limit - s.inFlight[category]
	if avail <= 0 {
		return nil
	}
	reqs := q.PopN(avail)
	if len(reqs) > 0 {
		s.inFlight[category] += len(reqs)
		for _, r := range reqs {
			s.running[r.id] = r
		}
	}
	return reqs
}

// dispatch submits r to the pool and reports whether a worker will run it.
// started is called by the worker just before the operation.
func (s *Scheduler) dispatch(r *request, started func()) bool {
	r.markDispatched()

	if err := r.ctx.Err(); err != nil {
		s.complete(r, nil, err, false)
		return false
	}

	err := s.pool.Submit(worker.Task{
		ID:       r.id,
		Category: r.category,
		Ctx:      r.ctx,
		Fn:       r.op,
		Started:  started,
	})
	if err != nil {
		s.log.Error("dispatch failed",
			logger.String("request_id", r.id),
			logger.String("category", r.category),
			logger.Err(err))
		s.complete(r, nil, types.ErrShutdown, false)
		return false
	}
	return true
}

// ============================================================================
// Result loop
// ============================================================================

func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for res := range s.pool.Results() {
		s.handleResult(res)
	}
}

func (s *Scheduler) handleResult(res worker.Result) {
	s.mu.Lock()
	r, ok := s.running[res.ID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("result for unknown request", logger.String("request_id", res.ID))
		return
	}

	if res.Err != nil {
		s.log.Debug("operation failed",
			logger.String("request_id", res.ID),
			logger.String("category", res.Category),
			logger.Duration("duration", res.Duration),
			logger.Err(res.Err))
	}
	s.complete(r, res.Value, res.Err, true)
}

// complete ends a dispatched request: bookkeeping, breaker outcome, settle.
func (s *Scheduler) complete(r *request, value any, err error, ran bool) {
	s.mu.Lock()
	delete(s.running, r.id)
	s.inFlight[r.category]--
	if s.inFlight[r.category] <= 0 {
		delete(s.inFlight, r.category)
	}
	s.mu.Unlock()

	if ran {
		s.breakers.Record(r.category, err)
	}
	if r.probe {
		s.breakers.ReleaseProbe(r.category)
	}
	r.settle(value, err)
}

// ============================================================================
// Operator actions and introspection
// ============================================================================

// SignalLoad switches the drain interval. It never blocks; if the signal
// buffer is full the signal is dropped.
func (s *Scheduler) SignalLoad(sig types.LoadSignal) bool {
	select {
	case s.signals <- sig:
		return true
	default:
		s.log.Warn("load signal dropped, buffer full", logger.String("signal", string(sig)))
		return false
	}
}

// LoadSignals exposes the inbound signal channel.
func (s *Scheduler) LoadSignals() chan<- types.LoadSignal { return s.signals }

// Interval returns the current drain interval.
func (s *Scheduler) Interval() time.Duration { return time.Duration(s.interval.Load()) }

// QueueSizes returns category -> queued request count.
func (s *Scheduler) QueueSizes() map[string]int { return s.queues.Sizes() }

// InFlight returns category -> dispatched but unfinished count.
func (s *Scheduler) InFlight() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.inFlight))
	for c, n := range s.inFlight {
		out[c] = n
	}
	return out
}

// ClearQueues fails every queued request with types.ErrQueueCleared and
// returns how many were dropped. In-flight requests are unaffected.
func (s *Scheduler) ClearQueues() int {
	return s.failAll(types.ErrQueueCleared)
}

func (s *Scheduler) failAll(err error) int {
	n := 0
	for _, reqs := range s.queues.DrainAll() {
		for _, r := range reqs {
			if r.settle(nil, err) {
				n++
			}
		}
	}
	return n
}

// Stop stops the loops, lets in-flight operations finish and fails every
// still-queued request with types.ErrShutdown.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	if s.stopped {
		s.lifecycle.Unlock()
		return
	}
	s.stopped = true
	s.lifecycle.Unlock()

	close(s.stopCh)
	s.pool.Stop()
	s.loopWg.Wait()
	s.startWg.Wait()

	if n := s.failAll(types.ErrShutdown); n > 0 {
		s.log.Info("queued requests dropped at shutdown", logger.Int("count", n))
	}
	s.log.Info("scheduler stopped")
}
