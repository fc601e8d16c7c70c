package ttl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testTable() *table.Definition {
	return &table.Definition{
		Name: "t",
		Columns: []part.Column{
			{Name: "date", Type: part.TypeDateTime},
			{Name: "id", Type: part.TypeInt64},
			{Name: "a", Type: part.TypeInt64},
			{Name: "val", Type: part.TypeInt64},
		},
		OrderBy: []string{"id"},
	}
}

func row(date time.Time, id, a, val int64) part.Row {
	return part.Row{part.DateTime(date), part.Int(id), part.Int(a), part.Int(val)}
}

func snapshot(rules ...Rule) *Snapshot {
	return &Snapshot{Version: 1, Rules: RuleSet{Rules: rules}}
}

func TestValidate_DuplicateRules(t *testing.T) {
	ev := expr.New(0)
	def := testTable()
	tests := []struct {
		name  string
		rules []Rule
		want  error
	}{
		{"two deletes", []Rule{Delete("date"), Delete("date + INTERVAL 1 DAY")}, ErrDuplicateDeleteRule},
		{"delete and delete where", []Rule{Delete("date"), DeleteWhere("date", "id % 2 == 1")}, ErrDuplicateDeleteRule},
		{"two group by", []Rule{
			GroupBy("date", []string{"id"}, Assignment{"val", AggSum}),
			GroupBy("date", []string{"id"}, Assignment{"val", AggMax}),
		}, ErrDuplicateGroupByRule},
		{"two resets on one column", []Rule{ColumnReset("a", "date"), ColumnReset("a", "date")}, ErrDuplicateColumnRule},
		{"reset on sort key", []Rule{ColumnReset("id", "date")}, ErrInvalidRule},
		{"bad expression", []Rule{Delete("id == 1")}, ErrInvalidRule},
		{"where without predicate", []Rule{{Kind: KindDeleteWhere, Expr: "date"}}, ErrInvalidRule},
		{"sum over datetime", []Rule{GroupBy("date", []string{"id"}, Assignment{"date", AggSum})}, ErrInvalidRule},
		{"set on key", []Rule{GroupBy("date", []string{"id"}, Assignment{"id", AggMax})}, ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RuleSet{Rules: tt.rules}.Validate(def, ev)
			require.ErrorIs(t, err, tt.want)
			var defErr *DefinitionError
			require.ErrorAs(t, err, &defErr)
		})
	}

	ok := RuleSet{Rules: []Rule{
		DeleteWhere("date + INTERVAL 1 DAY", "id % 2 == 1"),
		ColumnReset("a", "date + INTERVAL 1 DAY"),
		ColumnReset("val", "date + INTERVAL 2 DAY"),
		GroupBy("date", []string{"id"}, Assignment{"val", AggSum}),
	}}
	assert.NoError(t, ok.Validate(def, ev))
}

func TestStore_DefineRejectsDuplicateWithoutChange(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	ev := expr.New(0)
	tables := table.NewStore(meta, ev)
	_, err := tables.Create(ctx, *testTable())
	require.NoError(t, err)
	s := NewStore(meta, tables, ev)

	v, err := s.Define(ctx, "t", RuleSet{Rules: []Rule{Delete("date + INTERVAL 1 DAY")}})
	require.NoError(t, err)
	assert.Equal(t, Version(1), v)

	_, err = s.Define(ctx, "t", RuleSet{Rules: []Rule{Delete("date"), DeleteWhere("date", "id == 1")}})
	require.ErrorIs(t, err, ErrDuplicateDeleteRule)

	cur, err := s.Resolve(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, Version(1), cur.Version)
	assert.Equal(t, "date + INTERVAL 1 DAY", cur.Rules.Rules[0].Expr)

	v, err = s.Define(ctx, "t", RuleSet{Rules: []Rule{Delete("date + INTERVAL 30 MINUTE")}})
	require.NoError(t, err)
	assert.Equal(t, Version(2), v)

	old, err := s.Get(ctx, "t", 1)
	require.NoError(t, err)
	assert.Equal(t, "date + INTERVAL 1 DAY", old.Rules.Rules[0].Expr)

	_, err = s.Get(ctx, "t", 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestStore_ResolveWithoutRules(t *testing.T) {
	s := NewStore(metadata.NewMockStore(), nil, expr.New(0))
	snap, err := s.Resolve(context.Background(), "t")
	require.NoError(t, err)
	assert.True(t, snap.Empty())
	assert.Equal(t, Version(0), snap.Version)
}

func TestEvaluate_DeleteSurvivesIffAfterReference(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	def := testTable()
	ref := day(2000, 10, 12)

	var rows []part.Row
	for i := int64(0); i < 6; i++ {
		rows = append(rows, row(day(2000, 10, 9).Add(time.Duration(i)*12*time.Hour), i, 0, 0))
	}
	plan, err := e.Evaluate(def, snapshot(Delete("date + INTERVAL 1 DAY")), rows, ref)
	require.NoError(t, err)

	for _, r := range rows {
		expires := r[0].Time().AddDate(0, 0, 1)
		survived := false
		for _, out := range plan.Rows {
			if out[1] == r[1] {
				survived = true
			}
		}
		assert.Equal(t, expires.After(ref), survived, "row %v", r[1])
	}
	assert.Equal(t, len(rows)-len(plan.Rows), plan.Dropped)
}

func TestEvaluate_DeleteWhere(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rows := []part.Row{
		row(day(2000, 1, 1), 1, 0, 0),
		row(day(2000, 1, 1), 2, 0, 0),
		row(day(2100, 1, 1), 3, 0, 0),
	}
	plan, err := e.Evaluate(testTable(), snapshot(DeleteWhere("date", "id % 2 == 1")), rows, day(2020, 1, 1))
	require.NoError(t, err)
	require.Len(t, plan.Rows, 2)
	assert.Equal(t, part.Int(2), plan.Rows[0][1])
	assert.Equal(t, part.Int(3), plan.Rows[1][1])

	// Row 2 fired but was kept by the predicate, so only row 3 stays in range.
	rg := plan.TTL[DeleteWhere("date", "id % 2 == 1").Fingerprint()]
	assert.Equal(t, day(2100, 1, 1).Unix(), rg.Min)
}

func TestEvaluate_ColumnResetKeepsRowCount(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rows := []part.Row{
		row(day(2000, 10, 10), 1, 1, 7),
		row(day(2000, 10, 11), 2, 2, 8),
	}
	ref := day(2000, 10, 11).Add(time.Hour)
	plan, err := e.Evaluate(testTable(), snapshot(ColumnReset("a", "date + INTERVAL 1 DAY")), rows, ref)
	require.NoError(t, err)

	require.Len(t, plan.Rows, 2)
	assert.Equal(t, part.Int(0), plan.Rows[0][2])
	assert.Equal(t, part.Int(2), plan.Rows[1][2])
	assert.Equal(t, part.Int(7), plan.Rows[0][3])
	assert.Equal(t, 1, plan.Reset)
	assert.False(t, plan.Empty())
}

func TestEvaluate_ColumnResetUsesDefaultExpression(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	def := testTable()
	def.Columns[2].Default = "42"
	plan, err := e.Evaluate(def, snapshot(ColumnReset("a", "date")), []part.Row{row(day(2000, 1, 1), 1, 5, 0)}, day(2001, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, part.Int(42), plan.Rows[0][2])
}

func TestEvaluate_DeleteBeforeColumnReset(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rules := snapshot(
		ColumnReset("a", "date"),
		DeleteWhere("date", "id == 1"),
	)
	rows := []part.Row{row(day(2000, 1, 1), 1, 5, 0), row(day(2000, 1, 1), 2, 5, 0)}
	plan, err := e.Evaluate(testTable(), rules, rows, day(2001, 1, 1))
	require.NoError(t, err)
	require.Len(t, plan.Rows, 1)
	assert.Equal(t, part.Int(2), plan.Rows[0][1])
	assert.Equal(t, part.Int(0), plan.Rows[0][2])
	assert.Equal(t, 1, plan.Dropped)
	assert.Equal(t, 1, plan.Reset)
}

func TestEvaluate_GroupBySum(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rule := GroupBy("date", []string{"id"}, Assignment{"val", AggSum})
	rows := []part.Row{
		row(day(2000, 1, 1), 1, 10, 1),
		row(day(2000, 1, 2), 1, 20, 2),
		row(day(2100, 1, 1), 1, 30, 5),
	}
	plan, err := e.Evaluate(testTable(), snapshot(rule), rows, day(2001, 1, 1))
	require.NoError(t, err)

	require.Len(t, plan.Rows, 2)
	var folded, live part.Row
	for _, r := range plan.Rows {
		if r[3] == part.Int(5) {
			live = r
		} else {
			folded = r
		}
	}
	require.NotNil(t, folded)
	require.NotNil(t, live)
	assert.Equal(t, part.Int(3), folded[3])
	assert.Equal(t, part.Int(10), folded[2], "non-SET columns take the first row")
	assert.Equal(t, 1, plan.Aggregated)
	assert.Equal(t, day(2100, 1, 1).Unix(), plan.TTL[rule.Fingerprint()].Min)
}

func TestEvaluate_GroupByAggregates(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rows := []part.Row{
		row(day(2000, 1, 1), 1, 4, 1),
		row(day(2000, 1, 1), 1, 9, 2),
		row(day(2000, 1, 1), 1, 2, 3),
	}
	for _, tt := range []struct {
		agg  Aggregate
		want int64
	}{
		{AggMin, 2}, {AggMax, 9}, {AggAny, 2}, {AggAnyLast, 9},
	} {
		rule := GroupBy("date", []string{"id"}, Assignment{"a", tt.agg})
		plan, err := e.Evaluate(testTable(), snapshot(rule), rows, day(2001, 1, 1))
		require.NoError(t, err)
		require.Len(t, plan.Rows, 1)
		// Rows are ordered by id then full row: a=2, a=4, a=9.
		assert.Equal(t, part.Int(tt.want), plan.Rows[0][2], "aggregate %s", tt.agg)
	}
}

func TestEvaluate_AllDroppedIsEmpty(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rows := []part.Row{row(day(2000, 1, 1), 1, 0, 0), row(day(2000, 1, 2), 2, 0, 0)}
	plan, err := e.Evaluate(testTable(), snapshot(Delete("date")), rows, day(2001, 1, 1))
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, 2, plan.Dropped)
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	rules := snapshot(
		DeleteWhere("date + INTERVAL 1 DAY", "id % 3 == 0"),
		GroupBy("date", []string{"id"}, Assignment{"val", AggSum}),
		ColumnReset("a", "date + INTERVAL 1 DAY"),
	)
	var rows []part.Row
	for i := int64(0); i < 20; i++ {
		rows = append(rows, row(day(2000, 1, 1+int(i%5)), i%4, i, i*2))
	}
	reversed := make([]part.Row, len(rows))
	for i := range rows {
		reversed[len(rows)-1-i] = rows[i]
	}
	ref := day(2000, 1, 4)

	a, err := e.Evaluate(testTable(), rules, rows, ref)
	require.NoError(t, err)
	b, err := e.Evaluate(testTable(), rules, reversed, ref)
	require.NoError(t, err)
	assert.Equal(t, a.Rows, b.Rows)
	assert.Equal(t, part.Checksum(a.Rows), part.Checksum(b.Rows))
	assert.Equal(t, a.TTL, b.TTL)
}

func TestEvaluate_CurrentRulesNotInsertionRules(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	now := day(2024, 6, 1).Add(12 * time.Hour)
	rows := []part.Row{
		row(now.Add(-1*time.Hour), 1, 0, 0),
		row(now.Add(-10*time.Minute), 2, 0, 0),
	}

	plan, err := e.Evaluate(testTable(), snapshot(Delete("date + INTERVAL 4 HOUR")), rows, now)
	require.NoError(t, err)
	assert.Len(t, plan.Rows, 2)

	plan, err = e.Evaluate(testTable(), snapshot(Delete("date + INTERVAL 30 MINUTE")), plan.Rows, now)
	require.NoError(t, err)
	require.Len(t, plan.Rows, 1)
	assert.Equal(t, part.Int(2), plan.Rows[0][1])
}

func TestSnapshot_Eligible(t *testing.T) {
	e := NewEvaluator(expr.New(0))
	snap := snapshot(Delete("date + INTERVAL 1 DAY"))
	rows := []part.Row{row(day(2000, 1, 1), 1, 0, 0), row(day(2000, 1, 5), 2, 0, 0)}

	ranges, err := e.Ranges(testTable(), snap, rows)
	require.NoError(t, err)

	assert.False(t, snap.Eligible(ranges, day(2000, 1, 1)))
	assert.True(t, snap.Eligible(ranges, day(2000, 1, 2)))
	assert.True(t, snap.Eligible(nil, day(1970, 1, 1)), "no range means never evaluated")

	altered := snapshot(Delete("date + INTERVAL 2 DAY"))
	assert.True(t, altered.Eligible(ranges, day(1970, 1, 1)))

	empty := map[string]part.TTLRange{snap.Fingerprints()[0]: part.EmptyTTLRange()}
	assert.False(t, snap.Eligible(empty, day(2100, 1, 1)))
	assert.False(t, (&Snapshot{}).Eligible(nil, day(2100, 1, 1)))
}
