package table

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/part"
)

func testDefinition() Definition {
	return Definition{
		Name: "events",
		Columns: []part.Column{
			{Name: "date", Type: part.TypeDateTime},
			{Name: "id", Type: part.TypeInt64},
			{Name: "a", Type: part.TypeInt64, Default: "111"},
		},
		PartitionBy: "toYYYYMM(date)",
		OrderBy:     []string{"id"},
	}
}

func TestDefinition_Validate(t *testing.T) {
	ev := expr.New(0)
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"bad name", func(d *Definition) { d.Name = "bad/name" }},
		{"no columns", func(d *Definition) { d.Columns = nil }},
		{"duplicate column", func(d *Definition) { d.Columns = append(d.Columns, d.Columns[0]) }},
		{"unknown order by", func(d *Definition) { d.OrderBy = []string{"nope"} }},
		{"bad default", func(d *Definition) { d.Columns[2].Default = "missing + 1" }},
		{"bad partition", func(d *Definition) { d.PartitionBy = "toYYYYMM(id)" }},
		{"negative ttl timeout", func(d *Definition) {
			ms := int64(-1)
			d.Settings.MergeWithTTLTimeoutMs = &ms
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDefinition()
			d.Columns = append([]part.Column(nil), d.Columns...)
			tt.mutate(&d)
			if err := d.Validate(ev); !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("Validate() error = %v, want ErrInvalidDefinition", err)
			}
		})
	}

	d := testDefinition()
	if err := d.Validate(ev); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSettings_MergeWithTTLTimeout(t *testing.T) {
	zero, minute := int64(0), int64(time.Minute/time.Millisecond)
	tests := []struct {
		name string
		ms   *int64
		want time.Duration
	}{
		{"unset inherits", nil, time.Hour},
		{"zero rechecks every tick", &zero, 0},
		{"override", &minute, time.Minute},
	}
	for _, tt := range tests {
		s := Settings{MergeWithTTLTimeoutMs: tt.ms}
		if got := s.MergeWithTTLTimeout(time.Hour); got != tt.want {
			t.Errorf("%s: MergeWithTTLTimeout() = %v, want %v", tt.name, got, tt.want)
		}
	}

	d := testDefinition()
	d.Settings.MergeWithTTLTimeoutMs = &minute
	c := d.Clone()
	*c.Settings.MergeWithTTLTimeoutMs = 0
	if *d.Settings.MergeWithTTLTimeoutMs != minute {
		t.Errorf("Clone() shares the settings override")
	}
}

func TestDefinition_PartitionAndDefaults(t *testing.T) {
	ev := expr.New(0)
	d := testDefinition()
	row := part.Row{part.DateTime(time.Date(2000, 10, 10, 0, 0, 0, 0, time.UTC)), part.Int(1), part.Int(5)}

	p, err := d.Partition(ev, row)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	if p != "200010" {
		t.Errorf("Partition() = %q, want 200010", p)
	}

	v, err := d.DefaultValue(ev, 2, row)
	if err != nil {
		t.Fatalf("DefaultValue() error = %v", err)
	}
	if v != part.Int(111) {
		t.Errorf("DefaultValue() = %v, want 111", v)
	}
	v, err = d.DefaultValue(ev, 1, row)
	if err != nil {
		t.Fatalf("DefaultValue() error = %v", err)
	}
	if v != part.Int(0) {
		t.Errorf("DefaultValue() = %v, want 0", v)
	}

	up, err := d.Upgrade(ev, row[:2])
	if err != nil {
		t.Fatalf("Upgrade() error = %v", err)
	}
	if len(up) != 3 || up[2] != part.Int(111) {
		t.Errorf("Upgrade() = %v", up)
	}
}

func TestDefinition_Normalize(t *testing.T) {
	d := Definition{Columns: []part.Column{
		{Name: "date", Type: part.TypeDateTime},
		{Name: "val", Type: part.TypeFloat64},
	}}
	row, err := d.Normalize(part.Row{part.Int(86400), part.Int(2)})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if row[0].Type != part.TypeDateTime || row[1] != part.Float(2) {
		t.Errorf("Normalize() = %v", row)
	}
	if _, err := d.Normalize(part.Row{part.Str("x"), part.Int(1)}); !errors.Is(err, part.ErrTypeMismatch) {
		t.Errorf("Normalize() error = %v, want ErrTypeMismatch", err)
	}
	if _, err := d.Normalize(part.Row{part.Int(1)}); !errors.Is(err, part.ErrTypeMismatch) {
		t.Errorf("Normalize(short) error = %v, want ErrTypeMismatch", err)
	}
}

func TestStore_CreateGetList(t *testing.T) {
	ctx := context.Background()
	s := NewStore(metadata.NewMockStore(), expr.New(0))

	d, err := s.Create(ctx, testDefinition())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.SchemaVersion != 1 {
		t.Errorf("SchemaVersion = %d, want 1", d.SchemaVersion)
	}
	if _, err := s.Create(ctx, testDefinition()); !errors.Is(err, ErrTableExists) {
		t.Errorf("Create() twice error = %v, want ErrTableExists", err)
	}

	got, err := s.Get(ctx, "events")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PartitionBy != "toYYYYMM(date)" || len(got.Columns) != 3 {
		t.Errorf("Get() = %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrTableNotFound", err)
	}

	names, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 1 || names[0] != "events" {
		t.Errorf("List() = %v", names)
	}
}

func TestStore_AddColumn(t *testing.T) {
	ctx := context.Background()
	s := NewStore(metadata.NewMockStore(), expr.New(0))
	if _, err := s.Create(ctx, testDefinition()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	d, err := s.AddColumn(ctx, "events", part.Column{Name: "b", Type: part.TypeString, Default: `"x"`})
	if err != nil {
		t.Fatalf("AddColumn() error = %v", err)
	}
	if d.SchemaVersion != 2 || d.ColumnIndex("b") != 3 {
		t.Errorf("AddColumn() = %+v", d)
	}
	if _, err := s.AddColumn(ctx, "events", part.Column{Name: "b", Type: part.TypeString}); !errors.Is(err, ErrColumnExists) {
		t.Errorf("AddColumn(dup) error = %v, want ErrColumnExists", err)
	}

	old, err := s.SchemaVersion(ctx, "events", 1)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if len(old.Columns) != 3 {
		t.Errorf("schema v1 has %d columns, want 3", len(old.Columns))
	}
}
