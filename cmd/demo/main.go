package main

// ============================================================================
// Synthetic workload against an in-process gate.
//
//   go run ./cmd/demo            # all scenarios
//   go run ./cmd/demo breaker    # priority | batch | breaker
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/callgate/internal/config"
	"github.com/ChuLiYu/callgate/pkg/batch"
	"github.com/ChuLiYu/callgate/pkg/gate"
	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

var errProvider = errors.New("provider returned 503")

func main() {
	scenario := "all"
	if len(os.Args) > 1 {
		scenario = os.Args[1]
	}

	cfg, err := config.Load(config.Path("configs/callgate.yaml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Gate.CircuitBreaker.RecoveryTime = 500 * time.Millisecond

	zl, err := logger.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	g, err := gate.New(cfg.Gate, gate.WithLogger(zl))
	if err != nil {
		log.Fatalf("Failed to create gate: %v", err)
	}
	defer g.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, cancel := g.Subscribe(16)
	defer cancel()
	go func() {
		for e := range events {
			fmt.Printf("  [event] %s %s failures=%d\n", e.Type, e.Category, e.FailureCount)
		}
	}()

	fmt.Printf("✓ Gate started (scenario: %s)\n", scenario)
	run := map[string]func(context.Context, *gate.Gate){
		"priority": priorityScenario,
		"batch":    batchScenario,
		"breaker":  breakerScenario,
	}
	for _, name := range []string{"priority", "batch", "breaker"} {
		if scenario != "all" && scenario != name {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		fmt.Printf("\n── %s ──────────────────────────────────────\n", name)
		run[name](ctx, g)
	}

	s := g.Stats()
	fmt.Printf("\n📊 Stats:\n")
	fmt.Printf("  Total:    %d\n", s.TotalOperations)
	fmt.Printf("  Batched:  %d\n", s.BatchedOperations)
	fmt.Printf("  Trips:    %d\n", s.CircuitBreakerTrips)
	fmt.Printf("  Latency:  avg=%s p95=%s p99=%s (n=%d)\n",
		s.Latency.Average, s.Latency.P95, s.Latency.P99, s.Latency.Samples)
}

// priorityScenario floods one category and shows higher priorities finishing first.
func priorityScenario(ctx context.Context, g *gate.Gate) {
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		prio := rand.IntN(10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Execute(ctx, "render", func(context.Context) (any, error) {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, prio)
				mu.Unlock()
				return nil, nil
			}, types.WithPriority(prio), types.WithoutBatching(), types.WithTimeout(2*time.Second))
			if err != nil {
				fmt.Printf("  render failed: %v\n", err)
			}
		}()
	}
	wg.Wait()
	fmt.Printf("  completion order by priority: %v\n", order)
}

// batchScenario coalesces lookups through a registered processor.
func batchScenario(ctx context.Context, g *gate.Gate) {
	p, err := gate.CreateBatchProcessor(g, "lookup", func(_ context.Context, ids []int) ([]string, error) {
		fmt.Printf("  flush of %d ids\n", len(ids))
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = fmt.Sprintf("user-%d", id)
		}
		return out, nil
	}, batch.Options{MaxBatchSize: 5, MaxWaitTime: 20 * time.Millisecond})
	if err != nil {
		fmt.Printf("  cannot register processor: %v\n", err)
		return
	}
	defer g.ReleaseBatchProcessor("lookup")

	var futures []*batch.Future[string]
	for id := 0; id < 12; id++ {
		futures = append(futures, p.Add(id))
	}
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			fmt.Printf("  lookup failed: %v\n", err)
		}
	}
}

// breakerScenario fails a category until it trips, then lets it recover.
func breakerScenario(ctx context.Context, g *gate.Gate) {
	call := func(fail bool) error {
		_, err := gate.Do(ctx, g, "ai", func(context.Context) (string, error) {
			if fail {
				return "", errProvider
			}
			return "ok", nil
		}, types.WithoutBatching())
		return err
	}

	for i := 0; i < 7; i++ {
		err := call(true)
		fmt.Printf("  call %d: state=%s err=%v\n", i+1, g.CircuitState("ai"), err)
	}

	fmt.Println("  waiting for recovery time...")
	select {
	case <-ctx.Done():
		return
	case <-time.After(600 * time.Millisecond):
	}
	err := call(false)
	fmt.Printf("  trial call: state=%s err=%v\n", g.CircuitState("ai"), err)
}
