package gate

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/callgate/internal/worker"
	"github.com/ChuLiYu/callgate/pkg/batch"
	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// call is one Execute waiting in a category batch.
type call struct {
	ctx context.Context
	op  types.Operation
}

func (g *Gate) executeBatched(ctx context.Context, category string, op types.Operation) (any, error) {
	p, err := g.batcherFor(category)
	if err != nil {
		return nil, err
	}
	return p.Add(&call{ctx: ctx, op: op}).Wait(ctx)
}

// batcherFor returns the category's internal processor, creating it on first
// use.
func (g *Gate) batcherFor(category string) (*batch.Processor[*call, any], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed.Load() {
		return nil, types.ErrShutdown
	}
	if p, ok := g.batchers[category]; ok {
		return p, nil
	}

	p := batch.New(category, g.runCalls(category), batch.Options{
		MaxBatchSize:   g.cfg.BatchSize,
		MaxWaitTime:    g.cfg.BatchTimeout,
		MaxConcurrency: g.cfg.BatchConcurrency,
		OnFlush:        g.recordFlush,
		Logger:         g.log.Named("batch"),
	})
	g.batchers[category] = p
	return p, nil
}

// runCalls is the handler behind a category batch. The coalesced operations
// run concurrently, each with its own caller's context, and each outcome is
// recorded with the breaker. The first operation error fails the flush.
//
// A flush that lands on a half-open breaker runs its first call alone as the
// trial; the rest run only once that trial has closed the breaker.
func (g *Gate) runCalls(category string) batch.Handler[*call, any] {
	return func(_ context.Context, calls []*call) ([]any, error) {
		if len(calls) == 0 {
			return nil, nil
		}
		probe, err := g.breakers.Acquire(category)
		if err != nil {
			return nil, err
		}

		results := make([]any, len(calls))
		first := 0
		if probe {
			v, err := worker.Call(calls[0].ctx, calls[0].op)
			g.breakers.Record(category, err)
			g.breakers.ReleaseProbe(category)
			if err != nil {
				return nil, err
			}
			results[0] = v
			first = 1
		}

		var eg errgroup.Group
		for i := first; i < len(calls); i++ {
			c := calls[i]
			eg.Go(func() error {
				v, err := worker.Call(c.ctx, c.op)
				g.breakers.Record(category, err)
				results[i] = v
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}
}

func (g *Gate) recordFlush(fi batch.FlushInfo) {
	if fi.Err == nil {
		g.collector.RecordBatched(fi.Name, fi.Size)
	}
}

// ============================================================================
// Registered batch processors
// ============================================================================

// CreateBatchProcessor registers a caller-defined batch processor for
// category. Zero option fields take the gate's batch settings. Each flush is
// guarded by the category's breaker: an open breaker rejects the flush, and
// the handler's outcome is recorded as one breaker observation. Successful
// flushes count toward batched operations, and Shutdown closes the processor.
//
// A category holds at most one registered processor; a second registration
// fails with types.ErrDuplicateRegistration until ReleaseBatchProcessor.
func CreateBatchProcessor[T, R any](g *Gate, category string, handler batch.Handler[T, R], opts batch.Options) (*batch.Processor[T, R], error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: batch handler is nil", types.ErrInvalidConfig)
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = g.cfg.BatchSize
	}
	if opts.MaxWaitTime <= 0 {
		opts.MaxWaitTime = g.cfg.BatchTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = g.cfg.BatchConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = g.log.Named("batch")
	}
	userFlush := opts.OnFlush
	opts.OnFlush = func(fi batch.FlushInfo) {
		g.recordFlush(fi)
		if userFlush != nil {
			userFlush(fi)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed.Load() {
		return nil, types.ErrShutdown
	}
	if _, ok := g.registered[category]; ok {
		return nil, fmt.Errorf("%w: %q", types.ErrDuplicateRegistration, category)
	}

	p := batch.New(category, guardHandler(g, category, handler), opts)
	g.registered[category] = p
	g.log.Debug("batch processor registered",
		logger.String("category", category),
		logger.Int("max_batch_size", opts.MaxBatchSize),
		logger.Duration("max_wait_time", opts.MaxWaitTime))
	return p, nil
}

// ReleaseBatchProcessor closes and unregisters category's processor. It
// reports whether one was registered.
func (g *Gate) ReleaseBatchProcessor(category string) bool {
	g.mu.Lock()
	p, ok := g.registered[category]
	delete(g.registered, category)
	g.mu.Unlock()

	if ok {
		p.Close()
	}
	return ok
}

func guardHandler[T, R any](g *Gate, category string, handler batch.Handler[T, R]) batch.Handler[T, R] {
	return func(ctx context.Context, items []T) (results []R, err error) {
		probe, err := g.breakers.Acquire(category)
		if err != nil {
			return nil, err
		}
		defer func() {
			if r := recover(); r != nil {
				results, err = nil, &worker.PanicError{Value: r, Stack: debug.Stack()}
			}
			g.breakers.Record(category, err)
			if probe {
				g.breakers.ReleaseProbe(category)
			}
		}()
		return handler(ctx, items)
	}
}
