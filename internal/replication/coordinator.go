package replication

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dray-io/ttlmerge/internal/colstore"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/merge"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Replica string

	ReplicationMetrics *metrics.ReplicationMetrics
	MergeMetrics       *metrics.MergeMetrics
	Logger             *logging.Logger
	Now                func() time.Time
}

// CoordinatorDeps are the collaborators of a Coordinator.
type CoordinatorDeps struct {
	Meta     metadata.MetadataStore
	Log      *Log
	Lease    *LeaseManager
	Selector *merge.Selector
	Locks    *merge.PartLocks
	Pool     *merge.Pool
	Cols     *colstore.Store
	Catalog  Catalog
	Queue    *Queue
}

// TickReport summarizes one leader tick.
type TickReport struct {
	Leader   bool
	Decision string
	Proposed []uint64
}

// Coordinator is the proposing side of a table's replication: while this
// replica holds the table's lease it serves force requests and runs the
// selector, appending every task it gets to the log.
type Coordinator struct {
	table  string
	cfg    CoordinatorConfig
	deps   CoordinatorDeps
	logger *logging.Logger
	now    func() time.Time

	leader bool
}

// NewCoordinator creates the coordinator of table.
func NewCoordinator(tableName string, cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		table:  tableName,
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrGlobal(cfg.Logger).With(map[string]any{"table": tableName, "replica": cfg.Replica}),
		now:    now,
	}
}

// Tick proposes at most one regular selection plus whatever pending force
// requests need, if this replica leads the table.
func (c *Coordinator) Tick(ctx context.Context) (*TickReport, error) {
	res, err := c.deps.Lease.TryAcquire(ctx, c.table)
	if err != nil {
		return nil, err
	}
	c.noteLeadership(res)
	if !res.Acquired {
		c.cfg.MergeMetrics.RecordDecision(c.table, metrics.DecisionNotLeader)
		return &TickReport{Decision: metrics.DecisionNotLeader}, nil
	}

	// Pending entries reserve their parts; see them all before selecting.
	if _, err := c.deps.Queue.Pull(ctx); err != nil {
		return nil, err
	}
	def, err := c.deps.Catalog.Definition(ctx, c.table)
	if err != nil {
		return nil, err
	}
	snap, err := c.deps.Catalog.CurrentRules(ctx, c.table)
	if err != nil {
		return nil, err
	}
	parts, err := c.deps.Cols.ActiveParts(ctx, c.table)
	if err != nil {
		return nil, err
	}

	report := &TickReport{Leader: true}
	if err := c.serveForce(ctx, def, snap, parts, report); err != nil {
		return report, err
	}

	task, decision := c.deps.Selector.Select(c.input(def, snap, parts, nil))
	report.Decision = decision
	if task == nil {
		return report, nil
	}
	seq, err := c.propose(ctx, task)
	if err != nil {
		return report, err
	}
	report.Proposed = append(report.Proposed, seq)
	return report, nil
}

// serveForce works through pending force requests, oldest first, until the
// selector defers.
func (c *Coordinator) serveForce(ctx context.Context, def *table.Definition, snap *ttl.Snapshot, parts []*part.Meta, report *TickReport) error {
	reqs, err := listForce(ctx, c.deps.Meta, c.table)
	if err != nil {
		return err
	}
	for _, f := range reqs {
		req := f.req
		if req.Status == ForceDone {
			continue
		}
		changed := false
		if !req.Planned {
			req.Remaining = forcePartitions(req, parts)
			req.Planned = true
			changed = true
		}

		deferred := false
		for len(req.Remaining) > 0 && !deferred {
			p := req.Remaining[0]
			if c.partitionBusy(parts, p) {
				deferred = true
				break
			}
			task, decision := c.deps.Selector.Select(c.input(def, snap, parts, &merge.Force{Partition: p, Final: req.Final}))
			if task == nil {
				if decision == metrics.DecisionNothing {
					req.Remaining = req.Remaining[1:]
					changed = true
					continue
				}
				deferred = true
				break
			}
			seq, err := c.propose(ctx, task)
			if err != nil {
				return err
			}
			report.Proposed = append(report.Proposed, seq)
			req.Seqs = append(req.Seqs, seq)
			if len(task.Sources) >= countPartition(parts, p) {
				req.Remaining = req.Remaining[1:]
			}
			changed = true
		}

		if len(req.Remaining) == 0 {
			req.Status = ForceDone
			req.DoneAt = c.now().UTC()
			changed = true
		}
		if changed {
			if err := c.saveForce(ctx, req, f.version); err != nil {
				return err
			}
		}
		if deferred {
			return nil
		}
	}
	return nil
}

func (c *Coordinator) saveForce(ctx context.Context, req *ForceRequest, version metadata.Version) error {
	data, err := encodeForce(req)
	if err != nil {
		return err
	}
	_, err = c.deps.Meta.Put(ctx, keys.ForceRequestKey(c.table, req.ID), data, metadata.WithExpectedVersion(version))
	if errors.Is(err, metadata.ErrVersionMismatch) {
		// Deleted by cleanup or rewritten by a previous leader's tick.
		return nil
	}
	return err
}

// input builds a selector input over parts not referenced by pending
// entries.
func (c *Coordinator) input(def *table.Definition, snap *ttl.Snapshot, parts []*part.Meta, force *merge.Force) merge.Input {
	busy := c.deps.Queue.Busy()
	free := make([]*part.Meta, 0, len(parts))
	for _, m := range parts {
		if !busy[m.Name] {
			free = append(free, m)
		}
	}
	return merge.Input{
		Table:            def,
		Rules:            snap,
		Parts:            free,
		Now:              c.now(),
		ActiveTTLMerges:  c.deps.Pool.ActiveTTL(),
		QueuedTTLEntries: c.deps.Queue.PendingTTL(),
		Force:            force,
	}
}

// propose appends task to the log if this replica still leads, locks its
// parts for the new entry and loads it into the local queue.
func (c *Coordinator) propose(ctx context.Context, task *merge.Task) (uint64, error) {
	entry := NewMergeParts(c.cfg.Replica, task, c.now())
	var seq uint64
	err := RunTxn(ctx, c.deps.Meta, c.table, func(txn metadata.Txn) error {
		if err := StageCheckLeader(txn, c.table, c.cfg.Replica); err != nil {
			return err
		}
		s, err := c.deps.Log.StageAppend(txn, entry)
		seq = s
		return err
	})
	if err != nil {
		return 0, err
	}
	c.deps.Locks.TryLock(c.table, lockedParts(entry), seq)
	c.cfg.ReplicationMetrics.RecordAppend(c.table, string(entry.Kind))
	c.logger.Infof("merge proposed", map[string]any{
		"seq":          seq,
		"kind":         string(task.Kind),
		"sources":      task.Sources,
		"result":       task.Result,
		"rulesVersion": uint64(task.RulesVersion),
		"forced":       task.Forced,
	})
	if _, err := c.deps.Queue.Pull(ctx); err != nil {
		return seq, err
	}
	return seq, nil
}

func (c *Coordinator) noteLeadership(res *AcquireResult) {
	if res.Acquired == c.leader {
		return
	}
	c.leader = res.Acquired
	c.cfg.ReplicationMetrics.SetLeader(c.table, res.Acquired)
	if res.Acquired {
		c.logger.Info("became table leader")
		return
	}
	holder := ""
	if res.Lease != nil {
		holder = res.Lease.Holder
	}
	c.logger.Infof("lost table leadership", map[string]any{"holder": holder})
}

// Leader reports whether the last tick held the lease.
func (c *Coordinator) Leader() bool { return c.leader }

// partitionBusy reports whether pending entries still change partition.
func (c *Coordinator) partitionBusy(parts []*part.Meta, partition string) bool {
	busy := c.deps.Queue.Busy()
	for _, m := range parts {
		if m.Partition == partition && busy[m.Name] {
			return true
		}
	}
	return false
}

func forcePartitions(req *ForceRequest, parts []*part.Meta) []string {
	if req.Partition != "" {
		return []string{req.Partition}
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range parts {
		if !seen[m.Partition] {
			seen[m.Partition] = true
			out = append(out, m.Partition)
		}
	}
	sort.Strings(out)
	return out
}

func countPartition(parts []*part.Meta, partition string) int {
	n := 0
	for _, m := range parts {
		if m.Partition == partition {
			n++
		}
	}
	return n
}
