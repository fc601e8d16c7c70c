package merge

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dray-io/ttlmerge/internal/colstore"
	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// Result is the outcome of executing a task.
type Result struct {
	// Empty is set when no rows survived. Sources are still superseded but
	// no part is registered.
	Empty bool

	// Meta is the unregistered metadata of the new part; nil when Empty.
	Meta *part.Meta

	Rows     int
	Checksum uint64

	Dropped    int
	Reset      int
	Aggregated int
}

// Executor runs merge tasks against local parts.
type Executor struct {
	cols    *colstore.Store
	eval    *ttl.Evaluator
	exprs   *expr.Evaluator
	metrics *metrics.MergeMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Metrics *metrics.MergeMetrics
	Logger  *logging.Logger
	Now     func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(cols *colstore.Store, exprs *expr.Evaluator, cfg ExecutorConfig) *Executor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		cols:    cols,
		eval:    ttl.NewEvaluator(exprs),
		exprs:   exprs,
		metrics: cfg.Metrics,
		logger:  logging.OrGlobal(cfg.Logger),
		now:     now,
	}
}

// Execute merges the task's sources. snap must be the rule set of
// task.RulesVersion. The new part's bytes are written but not registered;
// the caller registers it together with superseding the sources.
//
// Re-running a task with the same sources, rules and decision time yields
// the same rows and checksum.
func (e *Executor) Execute(ctx context.Context, def *table.Definition, snap *ttl.Snapshot, task *Task, sources []*part.Meta, seq uint64) (res *Result, err error) {
	start := e.now()
	e.metrics.MergeStarted(task.IsTTL())
	defer func() {
		outcome := metrics.OutcomePart
		switch {
		case err != nil:
			outcome = metrics.OutcomeFailed
		case res.Empty:
			outcome = metrics.OutcomeEmpty
		}
		e.metrics.MergeFinished(task.IsTTL(), outcome, e.now().Sub(start).Seconds())
	}()

	rows, err := e.readSources(ctx, def, task)
	if err != nil {
		return nil, err
	}

	res = &Result{}
	var ranges map[string]part.TTLRange
	if task.IsTTL() {
		plan, err := e.eval.Evaluate(def, snap, rows, task.DecisionTime)
		if err != nil {
			return nil, fmt.Errorf("merge: evaluate %s: %w", task.Result, err)
		}
		rows = plan.Rows
		ranges = plan.TTL
		res.Dropped, res.Reset, res.Aggregated = plan.Dropped, plan.Reset, plan.Aggregated
	} else {
		part.SortRows(rows, def.OrderKey())
		ranges = unionRanges(sources)
	}
	e.metrics.RecordRows(task.Table, res.Dropped, res.Reset, res.Aggregated, len(rows))

	res.Rows = len(rows)
	res.Checksum = part.Checksum(rows)
	if len(rows) == 0 {
		res.Empty = true
		e.logger.Infof("merge produced empty result", map[string]any{
			"table":   task.Table,
			"result":  task.Result,
			"sources": task.Sources,
			"dropped": res.Dropped,
			"seq":     seq,
		})
		return res, nil
	}

	m := &part.Meta{
		Name:          task.Result,
		Partition:     task.Partition,
		SchemaVersion: def.SchemaVersion,
		RulesVersion:  uint64(task.RulesVersion),
		TTL:           ranges,
		CreatedSeq:    seq,
		CreatedAt:     e.now().UTC(),
		Active:        true,
	}
	if err := e.cols.WritePart(ctx, task.Table, m, rows); err != nil {
		return nil, err
	}
	res.Meta = m
	return res, nil
}

// readSources reads every source in parallel and concatenates the rows in
// task order, upgraded to the current schema.
func (e *Executor) readSources(ctx context.Context, def *table.Definition, task *Task) ([]part.Row, error) {
	parts := make([][]part.Row, len(task.Sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range task.Sources {
		g.Go(func() error {
			rows, err := e.cols.ReadPart(gctx, task.Table, name)
			if err != nil {
				return fmt.Errorf("merge: read source %s: %w", name, err)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []part.Row
	for _, rows := range parts {
		for _, r := range rows {
			up, err := def.Upgrade(e.exprs, r.Clone())
			if err != nil {
				return nil, err
			}
			out = append(out, up)
		}
	}
	return out, nil
}

// unionRanges widens ranges present in every source. A rule missing from
// any source stays missing so the merged part remains eligible.
func unionRanges(sources []*part.Meta) map[string]part.TTLRange {
	if len(sources) == 0 {
		return nil
	}
	out := make(map[string]part.TTLRange, len(sources[0].TTL))
	for fp, r := range sources[0].TTL {
		acc := r
		ok := true
		for _, s := range sources[1:] {
			o, present := s.TTL[fp]
			if !present {
				ok = false
				break
			}
			acc = acc.Union(o)
		}
		if ok {
			out[fp] = acc
		}
	}
	return out
}
