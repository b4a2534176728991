// ============================================================================
// callgate CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command structure:
//   callgate                       # root
//   ├── --config, -c               # config file (default configs/callgate.yaml)
//   ├── run                        # start the gate with metrics, admin, reports
//   ├── status                     # stats from the admin server or a report
//   │   ├── --report               # read a report file instead
//   │   └── --json                 # raw JSON output
//   ├── reset <category>           # reset one circuit breaker
//   ├── clear                      # drop every queued request
//   ├── load high|normal           # switch the drain interval
//   └── watch                      # stream breaker events
//
// Remote commands dial the admin address from the config; --addr overrides.
//
// run:
//   1. Load config (defaults -> YAML -> .env -> env vars)
//   2. Build logger, Prometheus registry and the gate
//   3. Under one errgroup: metrics HTTP server, admin gRPC server, report loop
//   4. SIGINT/SIGTERM cancels the group; the report loop writes a final report
//   5. Gate shutdown: batches cleared, queued requests failed, in-flight finish
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/callgate/internal/config"
	"github.com/ChuLiYu/callgate/internal/metrics"
	"github.com/ChuLiYu/callgate/internal/server"
	"github.com/ChuLiYu/callgate/internal/snapshot"
	"github.com/ChuLiYu/callgate/pkg/gate"
	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

type rootOptions struct {
	configFile string
	addr       string
	timeout    time.Duration
}

func (o *rootOptions) load() (config.File, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) adminAddr() (string, error) {
	if o.addr != "" {
		return o.addr, nil
	}
	cfg, err := o.load()
	if err != nil {
		return "", err
	}
	return cfg.Admin.Addr, nil
}

// withClient dials the admin server and runs fn with a bounded context.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(context.Context, *server.Client) error) error {
	addr, err := o.adminAddr()
	if err != nil {
		return err
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, client)
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "callgate",
		Short: "callgate: priority scheduling, batching and circuit breaking for calls",
		Long: `callgate sits between callers and the operations they run:
- priority queues drained with bounded per-category concurrency
- batching of small calls into one flush
- per-category circuit breakers
- Prometheus metrics, an admin gRPC service and stats reports`,
		Version:       Version,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.Path(config.DefaultPath), "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "admin server address (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "admin call timeout")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildStatusCommand(opts),
		buildResetCommand(opts),
		buildClearCommand(opts),
		buildLoadCommand(opts),
		buildWatchCommand(opts),
	)
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gate with its metrics, admin and report services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg, log)
		},
	}
}

// Run starts a gate from cfg and blocks until ctx ends or a service fails,
// then shuts everything down.
func Run(ctx context.Context, cfg config.File, log logger.Logger) error {
	log = logger.OrNop(log)
	reg := metrics.NewRegistry()

	g, err := gate.New(cfg.Gate, gate.WithLogger(log), gate.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("create gate: %w", err)
	}
	defer g.Shutdown()

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Addr, reg, log.Named("metrics"))
		eg.Go(func() error { return ms.ListenAndServe(ctx) })
	}
	if cfg.Admin.Enabled {
		as := server.NewServer(g, log.Named("admin"))
		eg.Go(func() error { return as.ListenAndServe(ctx, cfg.Admin.Addr) })
	}
	if cfg.Report.Path != "" {
		rep := snapshot.NewReporter(snapshot.NewManager(cfg.Report.Path), cfg.Report.Interval, g.Stats, log.Named("report"))
		eg.Go(func() error { return rep.Run(ctx) })
	}
	eg.Go(func() error {
		<-ctx.Done()
		return nil
	})

	log.Info("callgate running",
		logger.Bool("metrics", cfg.Metrics.Enabled),
		logger.Bool("admin", cfg.Admin.Enabled),
		logger.String("report", cfg.Report.Path))

	err = eg.Wait()
	log.Info("shutting down")
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var reportPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gate status",
		Long:  "Show latency, counters, queue sizes and breaker states from the admin server, or from a stats report with --report.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap types.StatsSnapshot
			if reportPath != "" {
				r, err := snapshot.NewManager(reportPath).Load()
				if err != nil {
					return err
				}
				snap = r.Stats
			} else {
				err := opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
					var err error
					snap, err = c.Stats(ctx)
					return err
				})
				if err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStats(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "read a stats report file instead of the admin server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStats(w io.Writer, s types.StatsSnapshot) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                     callgate status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "Taken at: %s\n\n", s.TakenAt.Format(time.RFC3339))

	fmt.Fprintln(w, "Latency:")
	fmt.Fprintf(w, "  ├─ Samples:  %d\n", s.Latency.Samples)
	fmt.Fprintf(w, "  ├─ Average:  %s\n", s.Latency.Average)
	fmt.Fprintf(w, "  ├─ p95:      %s\n", s.Latency.P95)
	fmt.Fprintf(w, "  └─ p99:      %s\n\n", s.Latency.P99)

	fmt.Fprintln(w, "Operations:")
	fmt.Fprintf(w, "  ├─ Total:          %d\n", s.TotalOperations)
	fmt.Fprintf(w, "  ├─ Batched:        %d\n", s.BatchedOperations)
	fmt.Fprintf(w, "  └─ Circuit trips:  %d\n\n", s.CircuitBreakerTrips)

	fmt.Fprintln(w, "Queues:")
	printTree(w, sortedKeys(s.QueueSizes), func(c string) string {
		return fmt.Sprintf("%-20s %d", c, s.QueueSizes[c])
	})

	fmt.Fprintln(w, "Breakers:")
	printTree(w, sortedKeys(s.Breakers), func(c string) string {
		b := s.Breakers[c]
		line := fmt.Sprintf("%-20s %-9s failures=%d", c, b.State, b.FailureCount)
		if b.State != types.CircuitClosed {
			line += " next=" + b.NextAttemptTime.Format(time.RFC3339)
		}
		return line
	})
}

func printTree(w io.Writer, keys []string, line func(string) string) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "  └─ (none)")
		fmt.Fprintln(w)
		return
	}
	for i, k := range keys {
		branch := "├─"
		if i == len(keys)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %s\n", branch, line(k))
	}
	fmt.Fprintln(w)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Operator actions
// ============================================================================

func buildResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <category>",
		Short: "Reset a category's circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.ResetCircuitBreaker(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "circuit breaker for %q reset\n", args[0])
				return nil
			})
		},
	}
}

func buildClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				n, err := c.ClearQueues(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %d queued requests\n", n)
				return nil
			})
		},
	}
}

func buildLoadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "load high|normal",
		Short:     "Switch the drain interval for high or normal load",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"high", "normal"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := types.ParseLoadSignal(args[0]); err != nil {
				return fmt.Errorf("%w: %q", err, args[0])
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				accepted, err := c.SignalLoad(ctx, args[0])
				if err != nil {
					return err
				}
				if !accepted {
					return fmt.Errorf("load signal %q was not accepted", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "load signal %q sent\n", args[0])
				return nil
			})
		},
	}
}

func buildWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream circuit breaker events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := opts.adminAddr()
			if err != nil {
				return err
			}
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return client.WatchEvents(ctx, func(e types.Event) error {
				return printEvent(out, e)
			})
		},
	}
}

func printEvent(w io.Writer, e types.Event) error {
	var err error
	switch e.Type {
	case types.EventCircuitOpened:
		_, err = fmt.Fprintf(w, "%s  %-24s %-20s failures=%d next=%s\n",
			e.At.Format(time.RFC3339), e.Type, e.Category, e.FailureCount, e.NextAttemptTime.Format(time.RFC3339))
	default:
		_, err = fmt.Fprintf(w, "%s  %-24s %s\n", e.At.Format(time.RFC3339), e.Type, e.Category)
	}
	return err
}
