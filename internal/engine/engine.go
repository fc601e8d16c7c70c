// Package engine is the replica facade: it owns one replica's stores,
// merge pool and per-table replication state, and exposes the operations
// used by DDL handling and admin tooling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dray-io/ttlmerge/internal/cleanup"
	"github.com/dray-io/ttlmerge/internal/colstore"
	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/merge"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/objectstore"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/replication"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

var (
	// ErrNotCompletedYet is returned by ForceOptimize when its attempts run
	// out; the merges keep running in the background.
	ErrNotCompletedYet = errors.New("engine: optimize not completed yet, will retry in background")

	// ErrNothingToOptimize is returned by ForceOptimize with ThrowIfNoop
	// when no merge was needed.
	ErrNothingToOptimize = errors.New("engine: nothing to optimize")

	// ErrUnknownTable is returned for tables this replica has not attached.
	ErrUnknownTable = errors.New("engine: table not attached")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: replica closed")
)

// Replica is one node holding copies of its attached tables.
type Replica struct {
	cfg     Config
	meta    metadata.MetadataStore
	objects objectstore.Store
	logger  *logging.Logger

	exprs    *expr.Evaluator
	tables   *table.Store
	rules    *ttl.Store
	ttlEval  *ttl.Evaluator
	cols     *colstore.Store
	pool     *merge.Pool
	locks    *merge.PartLocks
	selector *merge.Selector
	executor *merge.Executor
	lease    *replication.LeaseManager
	scanner  *cleanup.Scanner

	mu       sync.RWMutex
	attached map[string]*tableState
	closed   bool

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// tableState is the replication state of one attached table.
type tableState struct {
	name  string
	log   *replication.Log
	queue *replication.Queue
	coord *replication.Coordinator

	// stepMu serializes rounds of the queue so background loops and
	// synchronous callers do not interleave.
	stepMu sync.Mutex
	wake   chan struct{}
}

// New creates a replica over the given stores. meta should be a session of
// its own: the replica's lease and liveness are tied to it.
func New(meta metadata.MetadataStore, objects objectstore.Store, cfg Config) (*Replica, error) {
	cfg.applyDefaults()
	logger := logging.OrGlobal(cfg.Logger).With(map[string]any{"replica": cfg.Replica})

	exprs := expr.New(cfg.ExprCacheSize)
	tables := table.NewStore(meta, exprs)
	pool, err := merge.NewPool(cfg.PoolSize, cfg.MaxTTLMergesInPool, logger)
	if err != nil {
		return nil, err
	}
	cols := colstore.New(meta, objects, colstore.Config{
		Replica:   cfg.Replica,
		Codec:     cfg.Codec,
		CacheSize: cfg.PartCacheSize,
		Logger:    logger,
	})
	locks := merge.NewPartLocks()

	r := &Replica{
		cfg:      cfg,
		meta:     meta,
		objects:  objects,
		logger:   logger,
		exprs:    exprs,
		tables:   tables,
		rules:    ttl.NewStore(meta, tables, exprs),
		ttlEval:  ttl.NewEvaluator(exprs),
		cols:     cols,
		pool:     pool,
		locks:    locks,
		attached: make(map[string]*tableState),
	}
	r.selector = merge.NewSelector(merge.SelectorConfig{
		MaxTTLMergesInPool:   cfg.MaxTTLMergesInPool,
		MaxTTLEntriesInQueue: cfg.MaxTTLEntriesInQueue,
		MergeWithTTLTimeout:  cfg.MergeWithTTLTimeout,
		MaxPartsToMerge:      cfg.MaxPartsToMerge,
	}, locks, cfg.Metrics.Merge)
	r.executor = merge.NewExecutor(cols, exprs, merge.ExecutorConfig{
		Metrics: cfg.Metrics.Merge,
		Logger:  logger,
		Now:     cfg.Now,
	})
	r.lease = replication.NewLeaseManager(meta, cfg.Replica, cfg.LeaseRenew, cfg.Now)
	r.scanner = cleanup.NewScanner(meta, cols, r.catalog(), r.Tables, cleanup.Config{
		Interval:         cfg.CleanupInterval,
		OldPartsLifetime: cfg.OldPartsLifetime,
		LogKeepEntries:   cfg.LogKeepEntries,
		Metrics:          cfg.Metrics.Cleanup,
		Logger:           logger,
		Now:              cfg.Now,
	})
	return r, nil
}

// ID returns the replica ID.
func (r *Replica) ID() string { return r.cfg.Replica }

// Tables returns the attached tables in name order.
func (r *Replica) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.attached))
	for name := range r.attached {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateTable creates a table, defines its initial rules and attaches it.
// The definition and rules are both validated before anything is written.
func (r *Replica) CreateTable(ctx context.Context, def table.Definition, rules ttl.RuleSet) error {
	candidate := def.Clone()
	if err := candidate.Validate(r.exprs); err != nil {
		return err
	}
	if err := rules.Validate(candidate, r.exprs); err != nil {
		return err
	}

	created, err := r.tables.Create(ctx, def)
	if err != nil {
		return err
	}
	if len(rules.Rules) > 0 {
		if _, err := r.rules.Define(ctx, created.Name, rules); err != nil {
			return err
		}
	}
	r.logger.Infof("table created", map[string]any{"table": created.Name, "rules": len(rules.Rules)})
	return r.AttachTable(ctx, created.Name)
}

// AttachTable makes this replica participate in an existing table. It
// replays the log from its pointer; parts older than the retained log are
// cloned from a peer.
func (r *Replica) AttachTable(ctx context.Context, name string) error {
	if _, err := r.tables.Get(ctx, name); err != nil {
		return err
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.attached[name]; ok {
		return nil
	}

	host := replication.Host{Replica: r.cfg.Replica, Zone: r.cfg.Zone, StartedAt: r.cfg.Now().UTC()}
	acked, err := replication.Register(ctx, r.meta, name, host, 0)
	if err != nil {
		return fmt.Errorf("engine: register on %q: %w", name, err)
	}

	log := replication.NewLog(r.meta, name)
	cat := r.catalog()
	queue := replication.NewQueue(name, acked, replication.QueueConfig{
		Replica:            r.cfg.Replica,
		RetryInitial:       r.cfg.RetryInitial,
		RetryMax:           r.cfg.RetryMax,
		StallAfterAttempts: r.cfg.StallAfterAttempts,
		FetchRatePerSec:    r.cfg.FetchRatePerSec,
		FetchBurst:         r.cfg.FetchBurst,
		Metrics:            r.cfg.Metrics.Replication,
		Logger:             r.logger,
		Now:                r.cfg.Now,
	}, replication.QueueDeps{
		Meta:     r.meta,
		Log:      log,
		Cols:     r.cols,
		Executor: r.executor,
		Pool:     r.pool,
		Locks:    r.locks,
		Catalog:  cat,
	})
	coord := replication.NewCoordinator(name, replication.CoordinatorConfig{
		Replica:            r.cfg.Replica,
		ReplicationMetrics: r.cfg.Metrics.Replication,
		MergeMetrics:       r.cfg.Metrics.Merge,
		Logger:             r.logger,
		Now:                r.cfg.Now,
	}, replication.CoordinatorDeps{
		Meta:     r.meta,
		Log:      log,
		Lease:    r.lease,
		Selector: r.selector,
		Locks:    r.locks,
		Pool:     r.pool,
		Cols:     r.cols,
		Catalog:  cat,
		Queue:    queue,
	})
	st := &tableState{name: name, log: log, queue: queue, coord: coord, wake: make(chan struct{}, 1)}
	r.attached[name] = st
	r.logger.Infof("table attached", map[string]any{"table": name, "acked": acked})

	if r.runCtx != nil {
		r.startTableLoops(r.runCtx, st)
	}
	return nil
}

// DefineTTLRules replaces the rules of a table with a new version.
// Definition errors leave the current version in place.
func (r *Replica) DefineTTLRules(ctx context.Context, tableName string, rules ttl.RuleSet) (ttl.Version, error) {
	v, err := r.rules.Define(ctx, tableName, rules)
	if err != nil {
		return 0, err
	}
	r.logger.Infof("ttl rules defined", map[string]any{"table": tableName, "version": uint64(v), "rules": len(rules.Rules)})
	return v, nil
}

// AddColumn appends a column to the table schema.
func (r *Replica) AddColumn(ctx context.Context, tableName string, col part.Column) error {
	def, err := r.tables.AddColumn(ctx, tableName, col)
	if err != nil {
		return err
	}
	r.logger.Infof("column added", map[string]any{"table": tableName, "column": col.Name, "schemaVersion": def.SchemaVersion})
	return nil
}

// StopTTLMerges stops proposing TTL merges for the table on this replica.
// Entries already executing or fetching run to completion.
func (r *Replica) StopTTLMerges(tableName string) { r.selector.Stop(tableName) }

// StartTTLMerges resumes proposing TTL merges for the table.
func (r *Replica) StartTTLMerges(tableName string) { r.selector.Start(tableName) }

// StopFetches stops fetching parts from peers for the table.
func (r *Replica) StopFetches(tableName string) error {
	st, err := r.table(tableName)
	if err != nil {
		return err
	}
	st.queue.StopFetches()
	return nil
}

// StartFetches resumes fetching parts from peers.
func (r *Replica) StartFetches(tableName string) error {
	st, err := r.table(tableName)
	if err != nil {
		return err
	}
	st.queue.StartFetches()
	return nil
}

// Close stops the background loops, waits for running merges and gives up
// the leases of this replica.
func (r *Replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.runMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.runMu.Unlock()
	r.running.Wait()
	r.scanner.Stop()

	r.pool.Wait()
	r.pool.Release()
	err := r.lease.ReleaseAll(context.Background())
	r.logger.Info("replica closed")
	return err
}

func (r *Replica) table(name string) (*tableState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	st, ok := r.attached[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return st, nil
}

func (r *Replica) catalog() catalog {
	return catalog{tables: r.tables, rules: r.rules}
}

// catalog resolves definitions and rule sets for the replication and
// cleanup components.
type catalog struct {
	tables *table.Store
	rules  *ttl.Store
}

func (c catalog) Definition(ctx context.Context, name string) (*table.Definition, error) {
	return c.tables.Get(ctx, name)
}

func (c catalog) Rules(ctx context.Context, name string, v ttl.Version) (*ttl.Snapshot, error) {
	return c.rules.Get(ctx, name, v)
}

func (c catalog) CurrentRules(ctx context.Context, name string) (*ttl.Snapshot, error) {
	return c.rules.Resolve(ctx, name)
}
