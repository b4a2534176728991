// Package breaker implements the per-category circuit breaker table.
//
// Each category gets its own state machine, created lazily on the first
// recorded failure:
//
//	CLOSED --(failures >= threshold)--> OPEN
//	OPEN --(now >= nextAttempt, evaluated lazily)--> HALF_OPEN
//	HALF_OPEN --(trial succeeds)--> CLOSED, failures = 0
//	HALF_OPEN --(trial fails, per policy)--> OPEN
//
// The failure count is cumulative: successes while CLOSED do not reset it.
// Only a transition into CLOSED (or an explicit Reset) clears it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// Policy decides when a failed half-open trial reopens the circuit.
type Policy string

const (
	// PolicyReopen reopens on any failed trial.
	PolicyReopen Policy = "reopen"
	// PolicyThreshold reopens after FailureThreshold failed trials, counted
	// from zero each time the circuit enters HALF_OPEN. The cumulative
	// failure count is not what triggers it.
	PolicyThreshold Policy = "threshold"
)

// Config controls every breaker in a table.
type Config struct {
	Enabled          bool          `yaml:"enabled" env:"CALLGATE_BREAKER_ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"CALLGATE_BREAKER_FAILURE_THRESHOLD"`
	RecoveryTime     time.Duration `yaml:"recovery_time" env:"CALLGATE_BREAKER_RECOVERY_TIME"`
	// HalfOpenPolicy is "reopen" (first failed trial) or "threshold"
	// (FailureThreshold failed trials in a row of HALF_OPEN probing).
	HalfOpenPolicy   Policy        `yaml:"half_open_policy" env:"CALLGATE_BREAKER_HALF_OPEN_POLICY"`
}

// DefaultConfig returns threshold 5, recovery 60s, reopen policy.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTime:     60 * time.Second,
		HalfOpenPolicy:   PolicyReopen,
	}
}

// Validate checks the config. A disabled breaker is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: circuit breaker failure threshold must be positive, got %d",
			types.ErrInvalidConfig, c.FailureThreshold)
	}
	if c.RecoveryTime <= 0 {
		return fmt.Errorf("%w: circuit breaker recovery time must be positive, got %s",
			types.ErrInvalidConfig, c.RecoveryTime)
	}
	switch c.HalfOpenPolicy {
	case PolicyReopen, PolicyThreshold, "":
	default:
		return fmt.Errorf("%w: unknown half-open policy %q", types.ErrInvalidConfig, c.HalfOpenPolicy)
	}
	return nil
}

// Transition describes one state change of a category's breaker.
type Transition struct {
	Category        string
	From            types.CircuitState
	To              types.CircuitState
	FailureCount    int
	NextAttemptTime time.Time
	At              time.Time
}

type entry struct {
	mu            sync.Mutex
	state         types.CircuitState
	failures      int
	trialFailures int
	lastFailure   time.Time
	nextAttempt   time.Time
	probing       bool
}

// Table holds one breaker per category.
type Table struct {
	cfg      Config
	now      func() time.Time
	log      logger.Logger
	onChange func(Transition)

	mu      sync.RWMutex
	entries map[string]*entry

	trips atomic.Int64
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Table) { t.log = logger.OrNop(l) }
}

// OnStateChange registers a callback invoked after every transition. It runs
// outside the entry lock, on the goroutine that caused the transition.
func OnStateChange(fn func(Transition)) Option {
	return func(t *Table) { t.onChange = fn }
}

// New creates a table. cfg is assumed valid.
func New(cfg Config, opts ...Option) *Table {
	if cfg.HalfOpenPolicy == "" {
		cfg.HalfOpenPolicy = PolicyReopen
	}
	t := &Table{
		cfg:     cfg,
		now:     time.Now,
		log:     logger.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enabled reports whether the table tracks anything at all.
func (t *Table) Enabled() bool { return t.cfg.Enabled }

func (t *Table) get(category string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[category]
}

func (t *Table) getOrCreate(category string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[category]
	if !ok {
		e = &entry{state: types.CircuitClosed}
		t.entries[category] = e
	}
	return e
}

// refresh applies the lazy OPEN -> HALF_OPEN transition. Caller holds e.mu.
func (t *Table) refresh(category string, e *entry, now time.Time) *Transition {
	if e.state != types.CircuitOpen || now.Before(e.nextAttempt) {
		return nil
	}
	e.state = types.CircuitHalfOpen
	e.probing = false
	e.trialFailures = 0
	return &Transition{
		Category:        category,
		From:            types.CircuitOpen,
		To:              types.CircuitHalfOpen,
		FailureCount:    e.failures,
		NextAttemptTime: e.nextAttempt,
		At:              now,
	}
}

// open moves e into OPEN. Caller holds e.mu.
func (t *Table) open(category string, e *entry, now time.Time) *Transition {
	from := e.state
	e.state = types.CircuitOpen
	e.nextAttempt = now.Add(t.cfg.RecoveryTime)
	e.probing = false
	e.trialFailures = 0
	t.trips.Add(1)
	return &Transition{
		Category:        category,
		From:            from,
		To:              types.CircuitOpen,
		FailureCount:    e.failures,
		NextAttemptTime: e.nextAttempt,
		At:              now,
	}
}

func (t *Table) emit(tr *Transition) {
	if tr == nil {
		return
	}
	switch tr.To {
	case types.CircuitOpen:
		t.log.Warn("circuit breaker opened",
			logger.String("category", tr.Category),
			logger.Stringer("from", tr.From),
			logger.Int("failures", tr.FailureCount),
			logger.Time("next_attempt", tr.NextAttemptTime))
	default:
		t.log.Info("circuit breaker state changed",
			logger.String("category", tr.Category),
			logger.Stringer("from", tr.From),
			logger.Stringer("to", tr.To))
	}
	if t.onChange != nil {
		t.onChange(*tr)
	}
}

func (t *Table) openError(category string, e *entry) error {
	return &types.CircuitOpenError{
		Category:        category,
		State:           e.state,
		FailureCount:    e.failures,
		NextAttemptTime: e.nextAttempt,
	}
}

// State returns the category's current state, applying the lazy half-open
// transition. Unknown categories are CLOSED.
func (t *Table) State(category string) types.CircuitState {
	if !t.cfg.Enabled {
		return types.CircuitClosed
	}
	e := t.get(category)
	if e == nil {
		return types.CircuitClosed
	}

	e.mu.Lock()
	tr := t.refresh(category, e, t.now())
	state := e.state
	e.mu.Unlock()

	t.emit(tr)
	return state
}

// Admit fails with *types.CircuitOpenError if the category is OPEN.
// HALF_OPEN is admitted here; the single-trial limit is enforced by Acquire.
func (t *Table) Admit(category string) error {
	if !t.cfg.Enabled {
		return nil
	}
	e := t.get(category)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	tr := t.refresh(category, e, t.now())
	var err error
	if e.state == types.CircuitOpen {
		err = t.openError(category, e)
	}
	e.mu.Unlock()

	t.emit(tr)
	return err
}

// Acquire grants permission to run one operation now. CLOSED always grants.
// HALF_OPEN grants exactly one trial until Record or ReleaseProbe is called
// for it; everyone else gets a *types.CircuitOpenError with State HALF_OPEN.
// probe reports whether the caller holds that trial.
func (t *Table) Acquire(category string) (probe bool, err error) {
	if !t.cfg.Enabled {
		return false, nil
	}
	e := t.get(category)
	if e == nil {
		return false, nil
	}

	e.mu.Lock()
	tr := t.refresh(category, e, t.now())
	switch e.state {
	case types.CircuitOpen:
		err = t.openError(category, e)
	case types.CircuitHalfOpen:
		if e.probing {
			err = t.openError(category, e)
		} else {
			e.probing = true
			probe = true
		}
	}
	e.mu.Unlock()

	t.emit(tr)
	return probe, err
}

// ReleaseProbe gives back a half-open trial slot that was acquired but never
// used.
func (t *Table) ReleaseProbe(category string) {
	if e := t.get(category); e != nil {
		e.mu.Lock()
		if e.state == types.CircuitHalfOpen {
			e.probing = false
		}
		e.mu.Unlock()
	}
}

// Record feeds one operation outcome into the category's breaker. Breaker
// rejections and queue timeouts are not outcomes of the operation and are
// ignored.
func (t *Table) Record(category string, err error) {
	if !t.cfg.Enabled {
		return
	}
	if err != nil && (errors.Is(err, types.ErrCircuitOpen) || errors.Is(err, types.ErrQueueTimeout)) {
		return
	}
	if err == nil {
		t.recordSuccess(category)
		return
	}
	t.recordFailure(category)
}

func (t *Table) recordSuccess(category string) {
	e := t.get(category)
	if e == nil {
		return
	}

	e.mu.Lock()
	now := t.now()
	var trs []*Transition
	trs = append(trs, t.refresh(category, e, now))
	if e.state == types.CircuitHalfOpen {
		e.state = types.CircuitClosed
		e.failures = 0
		e.trialFailures = 0
		e.probing = false
		trs = append(trs, &Transition{
			Category: category,
			From:     types.CircuitHalfOpen,
			To:       types.CircuitClosed,
			At:       now,
		})
	}
	e.mu.Unlock()

	for _, tr := range trs {
		t.emit(tr)
	}
}

func (t *Table) recordFailure(category string) {
	e := t.getOrCreate(category)

	e.mu.Lock()
	now := t.now()
	e.failures++
	e.lastFailure = now

	lazy := t.refresh(category, e, now)
	var tr *Transition
	switch e.state {
	case types.CircuitClosed:
		if e.failures >= t.cfg.FailureThreshold {
			tr = t.open(category, e, now)
		}
	case types.CircuitHalfOpen:
		e.probing = false
		e.trialFailures++
		if t.cfg.HalfOpenPolicy == PolicyReopen || e.trialFailures >= t.cfg.FailureThreshold {
			tr = t.open(category, e, now)
		}
	case types.CircuitOpen:
		// late result from a call dispatched before the trip
	}
	e.mu.Unlock()

	t.emit(lazy)
	t.emit(tr)
}

// Reset discards the category's breaker entirely. It reports whether an
// entry existed.
func (t *Table) Reset(category string) bool {
	t.mu.Lock()
	_, ok := t.entries[category]
	delete(t.entries, category)
	t.mu.Unlock()

	if ok {
		t.log.Info("circuit breaker reset", logger.String("category", category))
	}
	return ok
}

// ResetAll discards every entry.
func (t *Table) ResetAll() {
	t.mu.Lock()
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
}

// Info returns the category's breaker details, if it has an entry.
func (t *Table) Info(category string) (types.BreakerInfo, bool) {
	e := t.get(category)
	if e == nil || !t.cfg.Enabled {
		return types.BreakerInfo{State: types.CircuitClosed}, false
	}

	e.mu.Lock()
	tr := t.refresh(category, e, t.now())
	info := infoOf(e)
	e.mu.Unlock()

	t.emit(tr)
	return info, true
}

// Snapshot returns details for every category with an entry.
func (t *Table) Snapshot() map[string]types.BreakerInfo {
	t.mu.RLock()
	names := make([]string, 0, len(t.entries))
	for c := range t.entries {
		names = append(names, c)
	}
	t.mu.RUnlock()

	out := make(map[string]types.BreakerInfo, len(names))
	for _, c := range names {
		if info, ok := t.Info(c); ok {
			out[c] = info
		}
	}
	return out
}

// Trips returns how many times any breaker has entered OPEN.
func (t *Table) Trips() int64 { return t.trips.Load() }

func infoOf(e *entry) types.BreakerInfo {
	return types.BreakerInfo{
		State:           e.state,
		FailureCount:    e.failures,
		LastFailureTime: e.lastFailure,
		NextAttemptTime: e.nextAttempt,
	}
}
