package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/callgate/internal/worker"
	"github.com/ChuLiYu/callgate/pkg/batch"
	"github.com/ChuLiYu/callgate/pkg/types"
)

var errProvider = errors.New("provider unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGate(t *testing.T, mutate func(*Config), opts ...Option) *Gate {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Shutdown)
	return g
}

// inline runs every call on the caller's goroutine.
func inline(c *Config) {
	c.BatchingEnabled = false
	c.PriorityQueuesEnabled = false
}

// manualDrain parks the drain loop until a high-load signal switches it to a
// 5ms tick. The worker pool keeps its default size.
func manualDrain(c *Config) {
	c.BatchingEnabled = false
	c.Scheduler.DrainInterval = time.Hour
	c.Scheduler.HighLoadInterval = 5 * time.Millisecond
	c.Scheduler.MaxConcurrentPerCategory = 4
}

func ok(v any) types.Operation {
	return func(context.Context) (any, error) { return v, nil }
}

func failing(context.Context) (any, error) { return nil, errProvider }

type outcome struct {
	value any
	err   error
}

func executeAsync(g *Gate, ctx context.Context, category string, op types.Operation, opts ...types.Option) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		v, err := g.Execute(ctx, category, op, opts...)
		ch <- outcome{v, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("Execute never returned")
		return outcome{}
	}
}

func waitQueued(t *testing.T, g *Gate, category string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return g.QueueSizes()[category] == n },
		time.Second, time.Millisecond, "queue %q never reached %d", category, n)
}

// ============================================================================
// Circuit breaking
// ============================================================================

func TestOpenBreakerNeverInvokesOperation(t *testing.T) {
	g := newGate(t, inline)
	for i := 0; i < 5; i++ {
		_, err := g.Execute(context.Background(), "ai", failing)
		require.ErrorIs(t, err, errProvider)
	}
	require.Equal(t, types.CircuitOpen, g.CircuitState("ai"))

	var invoked atomic.Bool
	_, err := g.Execute(context.Background(), "ai", func(context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	var coe *types.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "ai", coe.Category)
	assert.False(t, invoked.Load())
	assert.EqualValues(t, 1, g.Stats().CircuitBreakerTrips)
}

func TestOperationErrorIsReturnedUnchanged(t *testing.T) {
	g := newGate(t, inline)
	_, err := g.Execute(context.Background(), "edit", failing)
	assert.Same(t, errProvider, err)
}

func TestHalfOpenTrialClosesBreaker(t *testing.T) {
	clk := newFakeClock()
	g := newGate(t, inline, WithClock(clk.Now))

	for i := 0; i < 5; i++ {
		_, _ = g.Execute(context.Background(), "ai", failing)
	}
	_, err := g.Execute(context.Background(), "ai", ok("x"))
	require.True(t, types.IsCircuitOpen(err))

	clk.Advance(59 * time.Second)
	_, err = g.Execute(context.Background(), "ai", ok("x"))
	require.True(t, types.IsCircuitOpen(err), "still open before nextAttemptTime")

	clk.Advance(time.Second)
	assert.Equal(t, types.CircuitHalfOpen, g.CircuitState("ai"))
	v, err := g.Execute(context.Background(), "ai", ok("recovered"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)

	info := g.Stats().Breakers["ai"]
	assert.Equal(t, types.CircuitClosed, info.State)
	assert.Equal(t, 0, info.FailureCount)
}

func TestHalfOpenAdmitsOneInlineTrial(t *testing.T) {
	clk := newFakeClock()
	g := newGate(t, inline, WithClock(clk.Now))
	for i := 0; i < 5; i++ {
		_, _ = g.Execute(context.Background(), "ai", failing)
	}
	clk.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	trial := executeAsync(g, context.Background(), "ai", func(context.Context) (any, error) {
		close(started)
		<-release
		return "trial", nil
	})
	<-started

	_, err := g.Execute(context.Background(), "ai", ok("second"))
	var coe *types.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, types.CircuitHalfOpen, coe.State)

	close(release)
	o := await(t, trial)
	require.NoError(t, o.err)
	assert.Equal(t, types.CircuitClosed, g.CircuitState("ai"))
}

func TestHalfOpenBatchableCallsRunOneTrial(t *testing.T) {
	clk := newFakeClock()
	g := newGate(t, nil, WithClock(clk.Now))
	require.True(t, g.Config().BatchingEnabled)
	for i := 0; i < 5; i++ {
		g.breakers.Record("p", errProvider)
	}
	clk.Advance(time.Minute)
	require.Equal(t, types.CircuitHalfOpen, g.CircuitState("p"))

	var invoked atomic.Int32
	op := func(context.Context) (any, error) {
		invoked.Add(1)
		return nil, errProvider
	}
	var chans []<-chan outcome
	for i := 0; i < 5; i++ {
		chans = append(chans, executeAsync(g, context.Background(), "p", op))
	}

	var opErrs, rejected int
	for _, ch := range chans {
		err := await(t, ch).err
		switch {
		case errors.Is(err, errProvider):
			opErrs++
		case types.IsCircuitOpen(err):
			rejected++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	assert.EqualValues(t, 1, invoked.Load(), "only the trial runs")
	assert.Equal(t, 1, opErrs)
	assert.Equal(t, 4, rejected)
	assert.Equal(t, types.CircuitOpen, g.CircuitState("p"))
}

func TestBatchFlushOnHalfOpenRunsTrialFirst(t *testing.T) {
	clk := newFakeClock()
	g := newGate(t, nil, WithClock(clk.Now))
	for i := 0; i < 5; i++ {
		g.breakers.Record("p", errProvider)
	}
	clk.Advance(time.Minute)
	handler := g.runCalls("p")

	var invoked atomic.Int32
	calls := func(op types.Operation) []*call {
		out := make([]*call, 3)
		for i := range out {
			out[i] = &call{ctx: context.Background(), op: func(ctx context.Context) (any, error) {
				invoked.Add(1)
				return op(ctx)
			}}
		}
		return out
	}

	_, err := handler(context.Background(), calls(failing))
	require.ErrorIs(t, err, errProvider)
	assert.EqualValues(t, 1, invoked.Load(), "a failed trial stops the flush")
	assert.Equal(t, types.CircuitOpen, g.CircuitState("p"))

	clk.Advance(time.Minute)
	invoked.Store(0)
	results, err := handler(context.Background(), calls(ok("v")))
	require.NoError(t, err)
	assert.Equal(t, []any{"v", "v", "v"}, results)
	assert.EqualValues(t, 3, invoked.Load())
	assert.Equal(t, types.CircuitClosed, g.CircuitState("p"))
}

func TestPanicCountsAsFailure(t *testing.T) {
	g := newGate(t, func(c *Config) {
		inline(c)
		c.CircuitBreaker.FailureThreshold = 1
	})

	_, err := g.Execute(context.Background(), "ai", func(context.Context) (any, error) {
		panic("provider exploded")
	})
	var pe *worker.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.CircuitOpen, g.CircuitState("ai"))
}

func TestEventsOnOpenAndReset(t *testing.T) {
	g := newGate(t, inline)
	evts, cancel := g.Subscribe(8)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, _ = g.Execute(context.Background(), "ai", failing)
	}

	select {
	case e := <-evts:
		assert.Equal(t, types.EventCircuitOpened, e.Type)
		assert.Equal(t, "ai", e.Category)
		assert.Equal(t, 5, e.FailureCount)
		assert.Equal(t, types.CircuitClosed, e.From)
		assert.False(t, e.NextAttemptTime.IsZero())
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("no opened event")
	}

	g.ResetCircuitBreaker("ai")
	select {
	case e := <-evts:
		assert.Equal(t, types.EventCircuitReset, e.Type)
		assert.Equal(t, "ai", e.Category)
	case <-time.After(time.Second):
		t.Fatal("no reset event")
	}

	assert.Equal(t, types.CircuitClosed, g.CircuitState("ai"))
	_, present := g.Stats().Breakers["ai"]
	assert.False(t, present, "reset discards the entry")

	v, err := g.Execute(context.Background(), "ai", ok(1))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestResetUnknownCategoryStillPublishes(t *testing.T) {
	g := newGate(t, inline)
	evts, cancel := g.Subscribe(1)
	defer cancel()

	g.ResetCircuitBreaker("never-used")
	e := <-evts
	assert.Equal(t, types.EventCircuitReset, e.Type)
}

// ============================================================================
// Options
// ============================================================================

func TestRetriesAreRejected(t *testing.T) {
	g := newGate(t, inline)
	var invoked atomic.Bool
	_, err := g.Execute(context.Background(), "ai", func(context.Context) (any, error) {
		invoked.Store(true)
		return nil, nil
	}, types.WithRetries(2))

	assert.ErrorIs(t, err, types.ErrRetriesUnsupported)
	assert.False(t, invoked.Load())
	assert.EqualValues(t, 0, g.Stats().TotalOperations)
}

func TestNilOperation(t *testing.T) {
	g := newGate(t, inline)
	_, err := g.Execute(context.Background(), "ai", nil)
	assert.ErrorIs(t, err, types.ErrNilOperation)
}

func TestDoReturnsTypedResult(t *testing.T) {
	g := newGate(t, inline)

	n, err := Do(context.Background(), g, "math", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	s, err := Do(context.Background(), g, "math", func(context.Context) (string, error) { return "", errProvider })
	assert.ErrorIs(t, err, errProvider)
	assert.Empty(t, s)
}

// ============================================================================
// Priority scheduling
// ============================================================================

func TestPriorityOrderWithinCategory(t *testing.T) {
	g := newGate(t, manualDrain)

	var mu sync.Mutex
	var order []string
	op := func(name string) types.Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	var results []<-chan outcome
	for i, req := range []struct {
		name     string
		priority int
	}{{"5-first", 5}, {"1", 1}, {"5-second", 5}, {"3", 3}} {
		results = append(results, executeAsync(g, context.Background(), "x", op(req.name), types.WithPriority(req.priority)))
		waitQueued(t, g, "x", i+1)
	}

	require.True(t, g.SignalLoad(types.HighLoad))
	for _, ch := range results {
		require.NoError(t, await(t, ch).err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"5-first", "5-second", "3", "1"}, order)
}

func TestHighPriorityCompletesNoLaterThanLow(t *testing.T) {
	g := newGate(t, manualDrain)

	var mu sync.Mutex
	done := map[string]time.Time{}
	op := func(name string) types.Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			done[name] = time.Now()
			mu.Unlock()
			return name, nil
		}
	}

	a := executeAsync(g, context.Background(), "x", op("A"), types.WithPriority(10))
	waitQueued(t, g, "x", 1)
	b := executeAsync(g, context.Background(), "x", op("B"), types.WithPriority(1))
	waitQueued(t, g, "x", 2)
	assert.Equal(t, 2, g.Stats().QueueSizes["x"])

	g.SignalLoad(types.HighLoad)
	assert.Equal(t, "A", await(t, a).value)
	assert.Equal(t, "B", await(t, b).value)
	assert.Equal(t, 0, g.QueueSizes()["x"])

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, done["A"].After(done["B"]))
}

func TestHighPriorityRunsFirstOnDefaultWorkers(t *testing.T) {
	for round := 0; round < 20; round++ {
		g := newGate(t, func(c *Config) {
			c.BatchingEnabled = false
			c.Scheduler.DrainInterval = time.Hour
			c.Scheduler.HighLoadInterval = 5 * time.Millisecond
		})
		require.Equal(t, DefaultConfig().Scheduler.Workers, g.Config().Scheduler.Workers)

		var mu sync.Mutex
		var order []string
		op := func(name string) types.Operation {
			return func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return name, nil
			}
		}

		a := executeAsync(g, context.Background(), "x", op("A"), types.WithPriority(10))
		waitQueued(t, g, "x", 1)
		b := executeAsync(g, context.Background(), "x", op("B"), types.WithPriority(1))
		waitQueued(t, g, "x", 2)

		require.True(t, g.SignalLoad(types.HighLoad))
		require.NoError(t, await(t, a).err)
		require.NoError(t, await(t, b).err)

		mu.Lock()
		require.Equal(t, []string{"A", "B"}, order, "round %d", round)
		mu.Unlock()
		g.Shutdown()
	}
}

func TestQueueTimeout(t *testing.T) {
	g := newGate(t, manualDrain)

	o := await(t, executeAsync(g, context.Background(), "slow", ok(1), types.WithTimeout(20*time.Millisecond)))
	var te *types.TimeoutError
	require.ErrorAs(t, o.err, &te)
	assert.Equal(t, "slow", te.Category)
	assert.Equal(t, 0, g.QueueSizes()["slow"])
}

func TestCancelWhileQueued(t *testing.T) {
	g := newGate(t, manualDrain)

	ctx, cancel := context.WithCancel(context.Background())
	ch := executeAsync(g, ctx, "x", ok(1))
	waitQueued(t, g, "x", 1)
	cancel()

	assert.ErrorIs(t, await(t, ch).err, context.Canceled)
	assert.Equal(t, 0, g.QueueSizes()["x"])
}

func TestClearQueuesNeverFails(t *testing.T) {
	g := newGate(t, manualDrain)
	assert.Equal(t, 0, g.ClearQueues())

	a := executeAsync(g, context.Background(), "x", ok(1))
	b := executeAsync(g, context.Background(), "y", ok(2))
	waitQueued(t, g, "x", 1)
	waitQueued(t, g, "y", 1)

	for i := 0; i < 5; i++ {
		g.breakers.Record("x", errProvider)
	}
	require.Equal(t, types.CircuitOpen, g.CircuitState("x"))

	assert.Equal(t, 2, g.ClearQueues())
	assert.ErrorIs(t, await(t, a).err, types.ErrQueueCleared)
	assert.ErrorIs(t, await(t, b).err, types.ErrQueueCleared)
	for c, n := range g.QueueSizes() {
		assert.Zero(t, n, "category %s", c)
	}
}

func TestLoadSignalChangesInterval(t *testing.T) {
	g := newGate(t, func(c *Config) { c.BatchingEnabled = false })
	assert.Equal(t, 10*time.Millisecond, g.DrainInterval())

	g.LoadSignals() <- types.HighLoad
	require.Eventually(t, func() bool { return g.DrainInterval() == 5*time.Millisecond },
		time.Second, time.Millisecond)

	g.SignalLoad(types.NormalLoad)
	require.Eventually(t, func() bool { return g.DrainInterval() == 10*time.Millisecond },
		time.Second, time.Millisecond)
}

func TestWithoutPriorityQueues(t *testing.T) {
	g := newGate(t, inline)
	assert.Empty(t, g.QueueSizes())
	assert.Zero(t, g.ClearQueues())
	assert.False(t, g.SignalLoad(types.HighLoad))
	assert.Nil(t, g.LoadSignals())
}

// ============================================================================
// Batching path
// ============================================================================

func TestBatchFlushesAtBatchSize(t *testing.T) {
	g := newGate(t, func(c *Config) {
		c.BatchSize = 3
		c.BatchTimeout = time.Hour
	})

	start := time.Now()
	var chans []<-chan outcome
	for i := 0; i < 3; i++ {
		chans = append(chans, executeAsync(g, context.Background(), "edit", ok(i)))
	}
	got := map[any]bool{}
	for _, ch := range chans {
		o := await(t, ch)
		require.NoError(t, o.err)
		got[o.value] = true
	}

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, map[any]bool{0: true, 1: true, 2: true}, got)
	stats := g.Stats()
	assert.EqualValues(t, 3, stats.BatchedOperations)
	assert.EqualValues(t, 3, stats.TotalOperations)
}

func TestBatchFlushesAfterTimeout(t *testing.T) {
	g := newGate(t, func(c *Config) {
		c.BatchSize = 10
		c.BatchTimeout = 30 * time.Millisecond
	})

	start := time.Now()
	a := executeAsync(g, context.Background(), "edit", ok("a"))
	b := executeAsync(g, context.Background(), "edit", ok("b"))
	assert.Equal(t, "a", await(t, a).value)
	assert.Equal(t, "b", await(t, b).value)

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.EqualValues(t, 2, g.Stats().BatchedOperations)
}

func TestBatchFailureRejectsWholeFlush(t *testing.T) {
	g := newGate(t, func(c *Config) {
		c.BatchSize = 2
		c.BatchTimeout = time.Hour
	})

	good := executeAsync(g, context.Background(), "ai", ok("fine"))
	bad := executeAsync(g, context.Background(), "ai", failing)

	for _, o := range []outcome{await(t, good), await(t, bad)} {
		var bhe *types.BatchHandlerError
		require.ErrorAs(t, o.err, &bhe)
		assert.ErrorIs(t, o.err, errProvider)
	}
	assert.EqualValues(t, 0, g.Stats().BatchedOperations)
	assert.Equal(t, 1, g.Stats().Breakers["ai"].FailureCount, "each coalesced outcome is recorded")
}

func TestNonBatchableBypassesBatching(t *testing.T) {
	g := newGate(t, func(c *Config) {
		c.BatchSize = 10
		c.BatchTimeout = time.Hour
	})

	v, err := g.Execute(context.Background(), "edit", ok("direct"), types.WithoutBatching())
	require.NoError(t, err)
	assert.Equal(t, "direct", v)
	assert.EqualValues(t, 0, g.Stats().BatchedOperations)
}

// ============================================================================
// Registered batch processors
// ============================================================================

func TestCreateBatchProcessor(t *testing.T) {
	g := newGate(t, inline)

	double := func(_ context.Context, items []int) ([]int, error) {
		out := make([]int, len(items))
		for i, n := range items {
			out[i] = n * 2
		}
		return out, nil
	}
	var flushes atomic.Int32
	p, err := CreateBatchProcessor(g, "math", double, batch.Options{
		MaxBatchSize: 2,
		OnFlush:      func(batch.FlushInfo) { flushes.Add(1) },
	})
	require.NoError(t, err)

	f1, f2 := p.Add(1), p.Add(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v1, err := f1.Wait(ctx)
	require.NoError(t, err)
	v2, err := f2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, []int{v1, v2})

	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, g.Stats().BatchedOperations)

	_, err = CreateBatchProcessor(g, "math", double, batch.Options{})
	assert.ErrorIs(t, err, types.ErrDuplicateRegistration)

	assert.True(t, g.ReleaseBatchProcessor("math"))
	assert.False(t, g.ReleaseBatchProcessor("math"))
	_, err = CreateBatchProcessor(g, "math", double, batch.Options{})
	assert.NoError(t, err)
}

func TestRegisteredProcessorRespectsBreaker(t *testing.T) {
	g := newGate(t, func(c *Config) {
		inline(c)
		c.CircuitBreaker.FailureThreshold = 2
	})

	var calls atomic.Int32
	p, err := CreateBatchProcessor(g, "ai", func(context.Context, []string) ([]string, error) {
		calls.Add(1)
		return nil, errProvider
	}, batch.Options{MaxBatchSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		_, err := p.Add("q").Wait(ctx)
		require.ErrorIs(t, err, errProvider)
	}
	require.Equal(t, types.CircuitOpen, g.CircuitState("ai"))

	_, err = p.Add("q").Wait(ctx)
	assert.True(t, types.IsCircuitOpen(err))
	assert.EqualValues(t, 2, calls.Load(), "open breaker rejects the flush before the handler")
}

// ============================================================================
// Stats and metrics
// ============================================================================

func TestLatencySamplesAreCapped(t *testing.T) {
	g := newGate(t, inline)
	for i := 0; i < 1200; i++ {
		_, err := g.Execute(context.Background(), "fast", ok(i))
		require.NoError(t, err)
	}

	stats := g.Stats()
	assert.Equal(t, 1000, stats.Latency.Samples)
	assert.EqualValues(t, 1200, stats.TotalOperations)
	assert.LessOrEqual(t, stats.Latency.Average, stats.Latency.P99)
}

func TestPrometheusSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := newGate(t, inline, WithRegisterer(reg))

	_, _ = g.Execute(context.Background(), "ai", ok(1))
	_, _ = g.Execute(context.Background(), "ai", failing)

	count, err := testutil.GatherAndCount(reg, "callgate_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per outcome")
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestShutdown(t *testing.T) {
	cfg := DefaultConfig()
	manualDrain(&cfg)
	g, err := New(cfg)
	require.NoError(t, err)

	evts, _ := g.Subscribe(1)
	queued := executeAsync(g, context.Background(), "x", ok(1))
	waitQueued(t, g, "x", 1)

	g.Shutdown()
	g.Shutdown()

	assert.ErrorIs(t, await(t, queued).err, types.ErrShutdown)
	_, err = g.Execute(context.Background(), "x", ok(1))
	assert.ErrorIs(t, err, types.ErrShutdown)
	_, open := <-evts
	assert.False(t, open, "subscriptions are closed")

	_, err = CreateBatchProcessor(g, "late", func(_ context.Context, in []int) ([]int, error) { return in, nil }, batch.Options{})
	assert.ErrorIs(t, err, types.ErrShutdown)
}

func TestShutdownClearsPendingBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = time.Hour
	g, err := New(cfg)
	require.NoError(t, err)

	pending := executeAsync(g, context.Background(), "edit", ok(1))
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		p, ok := g.batchers["edit"]
		return ok && p.Size() == 1
	}, time.Second, time.Millisecond)

	g.Shutdown()
	assert.ErrorIs(t, await(t, pending).err, types.ErrBatchCleared)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, true},
		{"batch size ignored when batching off", func(c *Config) { c.BatchingEnabled = false; c.BatchSize = 0 }, false},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, true},
		{"zero latency samples", func(c *Config) { c.LatencySamples = 0 }, true},
		{"bad breaker", func(c *Config) { c.CircuitBreaker.FailureThreshold = -1 }, true},
		{"bad scheduler", func(c *Config) { c.Scheduler.Workers = 0 }, true},
		{"scheduler ignored when queues off", func(c *Config) { c.PriorityQueuesEnabled = false; c.Scheduler.Workers = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidConfig)
				_, err := New(cfg)
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
