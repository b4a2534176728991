package snapshot

// ============================================================================
// Stats reports
// 1. Serialize a StatsSnapshot to a JSON report file
// 2. Atomic write (temp file + rename) so readers never see a torn file
// 3. Schema version check on load
// 4. Periodic writer with a final write on shutdown
//
// Reports are for operators. Nothing reads them back into the gate.
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// SchemaVersion is written into every report.
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("stats report is corrupted")
	ErrIncompatibleVersion = errors.New("stats report schema version is incompatible")
	ErrReportNotFound      = errors.New("stats report not found")
)

// Report is the on-disk form of a stats snapshot.
type Report struct {
	SchemaVer int                 `json:"schema_version"`
	WrittenAt time.Time           `json:"written_at"`
	Stats     types.StatsSnapshot `json:"stats"`
}

// Manager reads and writes one report file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the report at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the report file path.
func (m *Manager) Path() string { return m.path }

// Exists reports whether the report file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write atomically replaces the report with stats.
func (m *Manager) Write(stats types.StatsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(stats)
}

func (m *Manager) write(stats types.StatsSnapshot) error {
	data, err := json.MarshalIndent(Report{
		SchemaVer: SchemaVersion,
		WrittenAt: time.Now(),
		Stats:     stats,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// Load reads the report. A missing file is ErrReportNotFound.
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return r, fmt.Errorf("read report: %w", err)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	if r.Stats.QueueSizes == nil {
		r.Stats.QueueSizes = map[string]int{}
	}
	return r, nil
}

// WriteWithBackup moves the current report aside as a timestamped backup,
// writes stats, and keeps only the newest keepBackups backups.
func (m *Manager) WriteWithBackup(stats types.StatsSnapshot, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backup := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backup); err != nil {
			return fmt.Errorf("backup report: %w", err)
		}
	}
	if err := m.write(stats); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if !strings.HasSuffix(p, ".tmp") {
			out = append(out, p)
		}
	}
	// timestamp suffixes sort chronologically
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// ============================================================================
// Periodic reporter
// ============================================================================

// Reporter writes source() to a Manager every interval and once more when
// its context ends.
type Reporter struct {
	m        *Manager
	interval time.Duration
	source   func() types.StatsSnapshot
	log      logger.Logger
}

// NewReporter creates a reporter. A non-positive interval only writes the
// final report.
func NewReporter(m *Manager, interval time.Duration, source func() types.StatsSnapshot, log logger.Logger) *Reporter {
	return &Reporter{m: m, interval: interval, source: source, log: logger.OrNop(log)}
}

// Run blocks until ctx ends, then writes the final report and returns its
// error. Periodic write failures are logged and do not stop the loop.
func (r *Reporter) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.interval > 0 {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if err := r.m.Write(r.source()); err != nil {
				r.log.Error("final stats report failed", logger.String("path", r.m.Path()), logger.Err(err))
				return err
			}
			r.log.Info("final stats report written", logger.String("path", r.m.Path()))
			return nil
		case <-tick:
			if err := r.m.Write(r.source()); err != nil {
				r.log.Warn("stats report failed", logger.String("path", r.m.Path()), logger.Err(err))
			}
		}
	}
}
