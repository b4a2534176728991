package gate

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/callgate/internal/breaker"
	"github.com/ChuLiYu/callgate/internal/scheduler"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// BreakerConfig configures the per-category circuit breakers.
type BreakerConfig = breaker.Config

// SchedulerConfig configures the drain loop and its worker pool.
type SchedulerConfig = scheduler.Config

// Half-open failure policies for BreakerConfig.HalfOpenPolicy.
const (
	PolicyReopen    = breaker.PolicyReopen
	PolicyThreshold = breaker.PolicyThreshold
)

// Config is supplied once to New. Every field is explicit; DefaultConfig
// fills in the documented defaults.
type Config struct {
	BatchingEnabled       bool            `yaml:"batching_enabled" env:"CALLGATE_BATCHING_ENABLED"`
	BatchSize             int             `yaml:"batch_size" env:"CALLGATE_BATCH_SIZE"`
	BatchTimeout          time.Duration   `yaml:"batch_timeout" env:"CALLGATE_BATCH_TIMEOUT"`
	BatchConcurrency      int             `yaml:"batch_concurrency" env:"CALLGATE_BATCH_CONCURRENCY"`
	PriorityQueuesEnabled bool            `yaml:"priority_queues_enabled" env:"CALLGATE_PRIORITY_QUEUES_ENABLED"`
	CircuitBreaker        BreakerConfig   `yaml:"circuit_breaker"`
	Scheduler             SchedulerConfig `yaml:"scheduler"`
	LatencySamples        int             `yaml:"latency_samples" env:"CALLGATE_LATENCY_SAMPLES"`
}

// DefaultConfig returns batching and priority queues on, batches of 10 or
// 50ms, and the breaker and scheduler defaults.
func DefaultConfig() Config {
	return Config{
		BatchingEnabled:       true,
		BatchSize:             10,
		BatchTimeout:          50 * time.Millisecond,
		BatchConcurrency:      4,
		PriorityQueuesEnabled: true,
		CircuitBreaker:        breaker.DefaultConfig(),
		Scheduler:             scheduler.DefaultConfig(),
		LatencySamples:        1000,
	}
}

// Validate checks every section. Errors wrap types.ErrInvalidConfig.
func (c Config) Validate() error {
	if c.BatchingEnabled {
		switch {
		case c.BatchSize <= 0:
			return fmt.Errorf("%w: batch size must be positive, got %d", types.ErrInvalidConfig, c.BatchSize)
		case c.BatchTimeout <= 0:
			return fmt.Errorf("%w: batch timeout must be positive, got %s", types.ErrInvalidConfig, c.BatchTimeout)
		case c.BatchConcurrency <= 0:
			return fmt.Errorf("%w: batch concurrency must be positive, got %d", types.ErrInvalidConfig, c.BatchConcurrency)
		}
	}
	if c.LatencySamples <= 0 {
		return fmt.Errorf("%w: latency samples must be positive, got %d", types.ErrInvalidConfig, c.LatencySamples)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return err
	}
	if c.PriorityQueuesEnabled {
		if err := c.Scheduler.Validate(); err != nil {
			return err
		}
	}
	return nil
}
