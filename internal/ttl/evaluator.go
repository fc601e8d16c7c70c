package ttl

import (
	"fmt"
	"strings"
	"time"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
)

// Plan is the outcome of evaluating a rule set over the rows of a merge.
type Plan struct {
	// Rows are the output rows in part order.
	Rows []part.Row

	// TTL holds, per rule fingerprint, the range over output rows still
	// subject to that rule.
	TTL map[string]part.TTLRange

	Dropped    int
	Reset      int
	Aggregated int
}

// Empty reports whether no rows survived.
func (p *Plan) Empty() bool { return len(p.Rows) == 0 }

// Evaluator applies rule sets to rows. It is pure: identical rows, rules
// and reference time always give identical plans.
type Evaluator struct {
	ev *expr.Evaluator
}

// NewEvaluator creates an evaluator.
func NewEvaluator(ev *expr.Evaluator) *Evaluator {
	return &Evaluator{ev: ev}
}

// outRow tracks which rules have already been applied to a row.
type outRow struct {
	row     part.Row
	settled []bool
}

// Evaluate applies snap to rows at reference time ref. Rows must be aligned
// with def's current columns.
func (e *Evaluator) Evaluate(def *table.Definition, snap *Snapshot, rows []part.Row, ref time.Time) (*Plan, error) {
	key := def.OrderKey()
	sorted := make([]part.Row, len(rows))
	for i, r := range rows {
		sorted[i] = r.Clone()
	}
	part.SortRows(sorted, key)

	var rules []Rule
	if snap != nil {
		rules = snap.Rules.Rules
	}
	refUnix := ref.Unix()
	plan := &Plan{}

	out := make([]outRow, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, outRow{row: r, settled: make([]bool, len(rules))})
	}

	// Deletes first.
	for ri, rule := range rules {
		if rule.Kind != KindDelete && rule.Kind != KindDeleteWhere {
			continue
		}
		kept := out[:0]
		for _, o := range out {
			fired, err := e.fires(def, rule, o.row, refUnix)
			if err != nil {
				return nil, err
			}
			if !fired {
				kept = append(kept, o)
				continue
			}
			if rule.Kind == KindDeleteWhere {
				match, err := e.ev.EvalBool(rule.Where, def.Columns, o.row)
				if err != nil {
					return nil, err
				}
				if !match {
					o.settled[ri] = true
					kept = append(kept, o)
					continue
				}
			}
			plan.Dropped++
		}
		out = kept
	}

	// Then GROUP BY.
	for ri, rule := range rules {
		if rule.Kind != KindGroupBy {
			continue
		}
		grouped, folded, err := e.groupBy(def, rule, ri, out, refUnix)
		if err != nil {
			return nil, err
		}
		plan.Aggregated += folded
		out = grouped
	}

	// Column resets last, on survivors and aggregated rows alike.
	for ri, rule := range rules {
		if rule.Kind != KindColumnReset {
			continue
		}
		col := def.ColumnIndex(rule.Column)
		if col < 0 {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidRule, rule.Column)
		}
		for _, o := range out {
			fired, err := e.fires(def, rule, o.row, refUnix)
			if err != nil {
				return nil, err
			}
			if !fired {
				continue
			}
			v, err := def.DefaultValue(e.ev, col, o.row)
			if err != nil {
				return nil, err
			}
			o.row[col] = v
			o.settled[ri] = true
			plan.Reset++
		}
	}

	plan.Rows = make([]part.Row, len(out))
	for i, o := range out {
		plan.Rows[i] = o.row
	}
	part.SortRows(plan.Rows, key)

	ranges, err := e.ranges(def, rules, out)
	if err != nil {
		return nil, err
	}
	plan.TTL = ranges
	return plan, nil
}

// Ranges computes TTL ranges for freshly written rows, all of which are
// still subject to every rule.
func (e *Evaluator) Ranges(def *table.Definition, snap *Snapshot, rows []part.Row) (map[string]part.TTLRange, error) {
	if snap.Empty() {
		return nil, nil
	}
	out := make([]outRow, len(rows))
	for i, r := range rows {
		out[i] = outRow{row: r, settled: make([]bool, len(snap.Rules.Rules))}
	}
	return e.ranges(def, snap.Rules.Rules, out)
}

func (e *Evaluator) ranges(def *table.Definition, rules []Rule, rows []outRow) (map[string]part.TTLRange, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	ranges := make(map[string]part.TTLRange, len(rules))
	for ri, rule := range rules {
		rg := part.EmptyTTLRange()
		for _, o := range rows {
			if o.settled[ri] {
				continue
			}
			ts, err := e.ev.EvalTime(rule.Expr, def.Columns, o.row)
			if err != nil {
				return nil, err
			}
			rg = rg.Merge(ts.Unix())
		}
		ranges[rule.Fingerprint()] = rg
	}
	return ranges, nil
}

func (e *Evaluator) fires(def *table.Definition, rule Rule, row part.Row, ref int64) (bool, error) {
	ts, err := e.ev.EvalTime(rule.Expr, def.Columns, row)
	if err != nil {
		return false, err
	}
	return ts.Unix() <= ref, nil
}

// groupBy folds expired rows sharing the rule's key into one row per key.
// Unexpired rows pass through untouched.
func (e *Evaluator) groupBy(def *table.Definition, rule Rule, ri int, rows []outRow, ref int64) ([]outRow, int, error) {
	keyCols := make([]int, len(rule.GroupBy))
	for i, name := range rule.GroupBy {
		keyCols[i] = def.ColumnIndex(name)
		if keyCols[i] < 0 {
			return nil, 0, fmt.Errorf("%w: unknown GROUP BY column %q", ErrInvalidRule, name)
		}
	}
	type setCol struct {
		col int
		agg Aggregate
	}
	sets := make([]setCol, len(rule.Set))
	for i, a := range rule.Set {
		sets[i] = setCol{col: def.ColumnIndex(a.Column), agg: a.Aggregate}
		if sets[i].col < 0 {
			return nil, 0, fmt.Errorf("%w: unknown SET column %q", ErrInvalidRule, a.Column)
		}
	}

	out := make([]outRow, 0, len(rows))
	groups := make(map[string]int)
	folded := 0
	for _, o := range rows {
		fired, err := e.fires(def, rule, o.row, ref)
		if err != nil {
			return nil, 0, err
		}
		if !fired {
			out = append(out, o)
			continue
		}
		k := groupKey(o.row, keyCols)
		gi, ok := groups[k]
		if !ok {
			o.settled[ri] = true
			groups[k] = len(out)
			out = append(out, o)
			continue
		}
		folded++
		acc := out[gi].row
		for _, s := range sets {
			acc[s.col] = aggregate(s.agg, acc[s.col], o.row[s.col])
		}
	}
	return out, folded, nil
}

func groupKey(row part.Row, cols []int) string {
	var b strings.Builder
	for _, c := range cols {
		v := row[c]
		fmt.Fprintf(&b, "%d:%d:%x:%d:%s|", v.Type, v.I, v.F, len(v.S), v.S)
	}
	return b.String()
}

func aggregate(agg Aggregate, acc, v part.Value) part.Value {
	switch agg {
	case AggSum:
		if acc.Type == part.TypeFloat64 {
			return part.Float(acc.F + v.F)
		}
		return part.Value{Type: acc.Type, I: acc.I + v.I}
	case AggMin:
		if part.Compare(v, acc) < 0 {
			return v
		}
		return acc
	case AggMax:
		if part.Compare(v, acc) > 0 {
			return v
		}
		return acc
	case AggAnyLast:
		return v
	default: // AggAny
		return acc
	}
}
