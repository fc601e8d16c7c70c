// Package cleanup physically removes superseded parts once every replica
// has acknowledged the entry that superseded them, and trims the shared
// replication log behind the slowest replica.
package cleanup

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dray-io/ttlmerge/internal/colstore"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/replication"
	"github.com/dray-io/ttlmerge/internal/table"
)

// Definitions resolves the table settings that override the retention.
type Definitions interface {
	Definition(ctx context.Context, table string) (*table.Definition, error)
}

// Config configures a Scanner.
type Config struct {
	// Interval is the time between scans.
	// Default: 30s
	Interval time.Duration

	// OldPartsLifetime is the minimum time a part stays on disk after it
	// became inactive. Tables may override it.
	// Default: 8m
	OldPartsLifetime time.Duration

	// LogKeepEntries is how many acknowledged log entries survive a trim.
	LogKeepEntries int

	Metrics *metrics.CleanupMetrics
	Logger  *logging.Logger
	Now     func() time.Time
}

// Report summarizes one scan of one table.
type Report struct {
	Table   string
	Deleted []string
	// Skipped counts inactive parts left in place, by reason.
	Skipped     map[string]int
	Trimmed     int
	ForcePurged int
}

// Scanner deletes the inactive parts of one replica.
type Scanner struct {
	meta   metadata.MetadataStore
	cols   *colstore.Store
	defs   Definitions
	tables func() []string
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScanner creates a scanner over the tables returned by tables.
func NewScanner(meta metadata.MetadataStore, cols *colstore.Store, defs Definitions, tables func() []string, cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OldPartsLifetime <= 0 {
		cfg.OldPartsLifetime = 8 * time.Minute
	}
	if cfg.LogKeepEntries < 0 {
		cfg.LogKeepEntries = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scanner{
		meta:   meta,
		cols:   cols,
		defs:   defs,
		tables: tables,
		cfg:    cfg,
		logger: logging.OrGlobal(cfg.Logger).With(map[string]any{"component": "cleanup", "replica": cols.Replica()}),
	}
}

// Start begins the background scan loop.
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop stops the loop and waits for the current scan to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scanner) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.ScanAll(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.ScanAll(ctx)
		}
	}
}

// ScanAll scans every table once. Failures are logged and retried on the
// next scan.
func (s *Scanner) ScanAll(ctx context.Context) {
	for _, t := range s.tables() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Scan(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnf("cleanup scan failed", map[string]any{"table": t, "error": err})
		}
	}
}

// Candidates returns the local parts of tableName that may be deleted now,
// along with the skip counts of the rest. Without a positive answer from
// the pointer registry nothing is a candidate.
func (s *Scanner) Candidates(ctx context.Context, tableName string) ([]*part.Meta, map[string]int, error) {
	parts, err := s.cols.Parts(ctx, tableName)
	if err != nil {
		return nil, nil, err
	}
	lifetime := s.cfg.OldPartsLifetime
	if def, err := s.defs.Definition(ctx, tableName); err == nil {
		lifetime = def.Settings.OldPartsLifetime(lifetime)
	} else if !errors.Is(err, table.ErrTableNotFound) {
		return nil, nil, err
	}

	skipped := map[string]int{}
	inactive := parts[:0]
	for _, m := range parts {
		if !m.Active {
			inactive = append(inactive, m)
		}
	}
	if len(inactive) == 0 {
		return nil, skipped, nil
	}

	minPtr, ok := s.minPointer(ctx, tableName)
	if !ok {
		skipped[metrics.SkipUnconfirmed] = len(inactive)
		return nil, skipped, nil
	}

	now := s.cfg.Now()
	var out []*part.Meta
	for _, m := range inactive {
		switch {
		case m.SupersededBy == 0 || minPtr < m.SupersededBy:
			skipped[metrics.SkipUnacknowledged]++
		case now.Sub(m.InactiveSince) < lifetime:
			skipped[metrics.SkipRetention]++
		default:
			out = append(out, m)
		}
	}
	return out, skipped, nil
}

// Scan deletes the candidates of tableName, trims its log and drops force
// requests finished before the retention.
func (s *Scanner) Scan(ctx context.Context, tableName string) (*Report, error) {
	start := time.Now()
	defer func() { s.cfg.Metrics.ObserveScan(time.Since(start).Seconds()) }()

	candidates, skipped, err := s.Candidates(ctx, tableName)
	if err != nil {
		return nil, err
	}
	rep := &Report{Table: tableName, Skipped: skipped}
	for reason, n := range skipped {
		for range n {
			s.cfg.Metrics.RecordSkipped(tableName, reason)
		}
	}

	for _, m := range candidates {
		if err := s.cols.DeletePhysical(ctx, tableName, m.Name); err != nil {
			s.cfg.Metrics.RecordDeleted(tableName, len(rep.Deleted))
			return rep, err
		}
		rep.Deleted = append(rep.Deleted, m.Name)
	}
	s.cfg.Metrics.RecordDeleted(tableName, len(rep.Deleted))

	if rep.Trimmed, err = s.trim(ctx, tableName); err != nil {
		return rep, err
	}
	s.cfg.Metrics.RecordTrimmed(tableName, rep.Trimmed)

	if rep.ForcePurged, err = replication.DeleteDoneForce(ctx, s.meta, tableName, s.cfg.Now().Add(-s.cfg.OldPartsLifetime)); err != nil {
		return rep, err
	}

	if len(rep.Deleted) > 0 || rep.Trimmed > 0 {
		s.logger.Infof("cleanup scan", map[string]any{
			"table":   tableName,
			"deleted": len(rep.Deleted),
			"trimmed": rep.Trimmed,
		})
	}
	return rep, nil
}

// trim removes log entries every replica has acknowledged, keeping the
// newest LogKeepEntries of them.
func (s *Scanner) trim(ctx context.Context, tableName string) (int, error) {
	minPtr, ok := s.minPointer(ctx, tableName)
	if !ok {
		return 0, nil
	}
	log := replication.NewLog(s.meta, tableName)
	head, err := log.Head(ctx)
	if err != nil {
		return 0, err
	}
	keep := uint64(s.cfg.LogKeepEntries)
	if head <= keep {
		return 0, nil
	}
	upTo := min(minPtr, head-keep)
	first, err := log.First(ctx)
	if err != nil {
		return 0, err
	}
	if first == 0 || first > upTo {
		return 0, nil
	}
	return log.Trim(ctx, upTo)
}

func (s *Scanner) minPointer(ctx context.Context, tableName string) (uint64, bool) {
	ptrs, err := replication.Pointers(ctx, s.meta, tableName)
	if err != nil {
		s.logger.Warnf("replica pointers unavailable, skipping", map[string]any{"table": tableName, "error": err})
		return 0, false
	}
	if len(ptrs) == 0 {
		return 0, false
	}
	seqs := make([]uint64, 0, len(ptrs))
	for _, seq := range ptrs {
		seqs = append(seqs, seq)
	}
	return slices.Min(seqs), true
}
