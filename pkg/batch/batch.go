// Package batch coalesces items into batched handler calls.
//
// A Processor collects items until either MaxBatchSize is reached or
// MaxWaitTime has passed since the first pending item, then hands the whole
// batch to the handler in one call. Each Add returns a Future resolved with
// the handler's result at the same position.
//
// A flush snapshots and clears the pending items, their futures and the wait
// timer under one lock, so items added during a running flush start the next
// batch. A failed flush rejects every future in it with the same
// *types.BatchHandlerError.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// Handler processes a batch. It must return exactly one result per item, in
// the same order.
type Handler[T, R any] func(ctx context.Context, items []T) ([]R, error)

// Flush triggers reported in FlushInfo.
const (
	TriggerSize   = "size"
	TriggerTimer  = "timer"
	TriggerManual = "manual"
)

// FlushInfo describes one completed flush.
type FlushInfo struct {
	Name     string
	Trigger  string
	Size     int
	Duration time.Duration
	Err      error
}

// Options configures a Processor. Zero values take the defaults.
type Options struct {
	MaxBatchSize   int           // flush as soon as this many items are pending; default 10
	MaxWaitTime    time.Duration // flush this long after the first pending item; default 50ms
	MaxConcurrency int           // concurrent handler calls; default 4
	OnFlush        func(FlushInfo)
	Logger         logger.Logger
}

// DefaultOptions returns batch size 10, wait 50ms, concurrency 4.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:   10,
		MaxWaitTime:    50 * time.Millisecond,
		MaxConcurrency: 4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = d.MaxBatchSize
	}
	if o.MaxWaitTime <= 0 {
		o.MaxWaitTime = d.MaxWaitTime
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// ============================================================================
// Future
// ============================================================================

// Future is the pending result of one added item.
type Future[R any] struct {
	done  chan struct{}
	once  sync.Once
	value R
	err   error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func (f *Future[R]) resolve(v R, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends. Giving up on ctx does
// not remove the item from its batch.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// ============================================================================
// Processor
// ============================================================================

type pending[T, R any] struct {
	items   []T
	futures []*Future[R]
}

// Processor batches items of type T into calls of a Handler returning R.
type Processor[T, R any] struct {
	name    string
	handler Handler[T, R]
	opts    Options
	sem     *semaphore.Weighted
	log     logger.Logger

	mu      sync.Mutex
	items   []T
	futures []*Future[R]
	timer   *time.Timer
	gen     uint64 // bumped on every take, so stale timers do nothing
	closed  bool

	inflight sync.WaitGroup
}

// New creates a processor. name labels errors and logs, usually the category.
func New[T, R any](name string, handler Handler[T, R], opts Options) *Processor[T, R] {
	opts = opts.withDefaults()
	return &Processor[T, R]{
		name:    name,
		handler: handler,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		log:     opts.Logger.With(logger.String("batch", name)),
	}
}

// Name returns the processor name.
func (p *Processor[T, R]) Name() string { return p.name }

// Add queues item for the next flush.
func (p *Processor[T, R]) Add(item T) *Future[R] {
	f := newFuture[R]()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero R
		f.resolve(zero, types.ErrProcessorClosed)
		return f
	}

	p.items = append(p.items, item)
	p.futures = append(p.futures, f)

	if len(p.items) >= p.opts.MaxBatchSize {
		b := p.take()
		p.mu.Unlock()
		go p.run(context.Background(), b, TriggerSize)
		return f
	}

	if p.timer == nil {
		gen := p.gen
		p.timer = time.AfterFunc(p.opts.MaxWaitTime, func() { p.onTimer(gen) })
	}
	p.mu.Unlock()
	return f
}

// take detaches the pending batch and cancels the timer. Caller holds p.mu.
func (p *Processor[T, R]) take() pending[T, R] {
	b := pending[T, R]{items: p.items, futures: p.futures}
	p.items = nil
	p.futures = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	if len(b.items) > 0 {
		p.inflight.Add(1)
	}
	return b
}

func (p *Processor[T, R]) onTimer(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	b := p.take()
	p.mu.Unlock()
	p.run(context.Background(), b, TriggerTimer)
}

// Flush sends the pending batch now and waits for the handler. It returns
// the flush error, or nil if nothing was pending.
func (p *Processor[T, R]) Flush(ctx context.Context) error {
	p.mu.Lock()
	b := p.take()
	p.mu.Unlock()
	return p.run(ctx, b, TriggerManual)
}

func (p *Processor[T, R]) run(ctx context.Context, b pending[T, R], trigger string) error {
	n := len(b.items)
	if n == 0 {
		return nil
	}
	defer p.inflight.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.rejectAll(b.futures, err)
		return err
	}
	defer p.sem.Release(1)

	start := time.Now()
	results, err := p.call(ctx, b.items)
	if err == nil && len(results) != n {
		err = fmt.Errorf("%w: got %d results for %d items", types.ErrResultCountMismatch, len(results), n)
	}

	if err != nil {
		err = &types.BatchHandlerError{Batch: p.name, Size: n, Err: err}
		p.rejectAll(b.futures, err)
		p.log.Warn("batch flush failed",
			logger.String("trigger", trigger),
			logger.Int("size", n),
			logger.Err(err))
	} else {
		for i, f := range b.futures {
			f.resolve(results[i], nil)
		}
		p.log.Debug("batch flushed",
			logger.String("trigger", trigger),
			logger.Int("size", n),
			logger.Duration("duration", time.Since(start)))
	}

	if p.opts.OnFlush != nil {
		p.opts.OnFlush(FlushInfo{
			Name:     p.name,
			Trigger:  trigger,
			Size:     n,
			Duration: time.Since(start),
			Err:      err,
		})
	}
	return err
}

func (p *Processor[T, R]) call(ctx context.Context, items []T) (results []R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, items)
}

func (p *Processor[T, R]) rejectAll(futures []*Future[R], err error) {
	var zero R
	for _, f := range futures {
		f.resolve(zero, err)
	}
}

// Size returns the number of pending items.
func (p *Processor[T, R]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Clear drops pending items, rejecting their futures with
// types.ErrBatchCleared, and cancels the timer. It returns the number dropped.
func (p *Processor[T, R]) Clear() int {
	p.mu.Lock()
	futures := p.futures
	p.items = nil
	p.futures = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.mu.Unlock()

	p.rejectAll(futures, types.ErrBatchCleared)
	return len(futures)
}

// Close clears pending items, rejects later Adds with
// types.ErrProcessorClosed and waits for running flushes.
func (p *Processor[T, R]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if n := p.Clear(); n > 0 {
		p.log.Info("batch processor closed with pending items", logger.Int("cleared", n))
	}
	p.inflight.Wait()
}
