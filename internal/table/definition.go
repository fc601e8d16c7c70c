// Package table holds table definitions: schema, partition expression and
// sort key, and their storage in the coordination store.
package table

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/part"
)

var (
	ErrInvalidDefinition = errors.New("table: invalid definition")
	ErrTableExists       = errors.New("table: already exists")
	ErrTableNotFound     = errors.New("table: not found")
	ErrColumnExists      = errors.New("table: column already exists")
)

var validName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,127}$`)

// Settings are per-table overrides of node settings. An unset or zero
// OldPartsLifetimeMs uses the node default. MergeWithTTLTimeoutMs is a
// pointer because zero is meaningful: re-check on every tick.
type Settings struct {
	MergeWithTTLTimeoutMs *int64 `json:"mergeWithTtlTimeoutMs,omitempty" yaml:"mergeWithTtlTimeoutMs,omitempty"`
	OldPartsLifetimeMs    int64  `json:"oldPartsLifetimeMs,omitempty" yaml:"oldPartsLifetimeMs,omitempty"`
}

// MergeWithTTLTimeout returns the table override or fallback.
func (s Settings) MergeWithTTLTimeout(fallback time.Duration) time.Duration {
	if s.MergeWithTTLTimeoutMs != nil {
		return time.Duration(*s.MergeWithTTLTimeoutMs) * time.Millisecond
	}
	return fallback
}

// OldPartsLifetime returns the table override or fallback.
func (s Settings) OldPartsLifetime(fallback time.Duration) time.Duration {
	if s.OldPartsLifetimeMs > 0 {
		return time.Duration(s.OldPartsLifetimeMs) * time.Millisecond
	}
	return fallback
}

// Definition describes a table. Columns only ever grow by appending, so a
// row written under an older schema version is a prefix of the current
// layout.
type Definition struct {
	Name          string        `json:"name"`
	Columns       []part.Column `json:"columns"`
	PartitionBy   string        `json:"partitionBy,omitempty"`
	OrderBy       []string      `json:"orderBy,omitempty"`
	Settings      Settings      `json:"settings,omitzero"`
	SchemaVersion uint64        `json:"schemaVersion"`
}

// ColumnIndex returns the position of the named column, or -1.
func (d *Definition) ColumnIndex(name string) int {
	return slices.IndexFunc(d.Columns, func(c part.Column) bool { return c.Name == name })
}

// OrderKey returns the column positions of the ORDER BY key.
func (d *Definition) OrderKey() []int {
	key := make([]int, 0, len(d.OrderBy))
	for _, name := range d.OrderBy {
		if i := d.ColumnIndex(name); i >= 0 {
			key = append(key, i)
		}
	}
	return key
}

// Validate checks names, the sort key and every expression.
func (d *Definition) Validate(ev *expr.Evaluator) error {
	if !validName.MatchString(d.Name) {
		return fmt.Errorf("%w: bad table name %q", ErrInvalidDefinition, d.Name)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidDefinition)
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if !validName.MatchString(c.Name) {
			return fmt.Errorf("%w: bad column name %q", ErrInvalidDefinition, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidDefinition, c.Name)
		}
		seen[c.Name] = true
		if c.Type < part.TypeInt64 || c.Type > part.TypeDateTime {
			return fmt.Errorf("%w: column %q has no type", ErrInvalidDefinition, c.Name)
		}
	}
	for _, name := range d.OrderBy {
		if !seen[name] {
			return fmt.Errorf("%w: ORDER BY references unknown column %q", ErrInvalidDefinition, name)
		}
	}
	for i, c := range d.Columns {
		if c.Default == "" {
			continue
		}
		if err := ev.Compile(c.Default, d.Columns[:i], expr.KindValue); err != nil {
			return fmt.Errorf("%w: DEFAULT of %q: %v", ErrInvalidDefinition, c.Name, err)
		}
	}
	if v := d.Settings.MergeWithTTLTimeoutMs; v != nil && *v < 0 {
		return fmt.Errorf("%w: negative merge_with_ttl_timeout", ErrInvalidDefinition)
	}
	if d.PartitionBy != "" {
		if err := ev.Compile(d.PartitionBy, d.Columns, expr.KindValue); err != nil {
			return fmt.Errorf("%w: PARTITION BY: %v", ErrInvalidDefinition, err)
		}
	}
	return nil
}

// DefaultValue returns the value column i takes when reset: its DEFAULT
// expression evaluated on row, or the type default.
func (d *Definition) DefaultValue(ev *expr.Evaluator, i int, row part.Row) (part.Value, error) {
	c := d.Columns[i]
	if c.Default == "" {
		return part.Zero(c.Type), nil
	}
	return ev.EvalValue(c.Default, c.Type, d.Columns[:i], row[:i])
}

// Partition returns the partition ID of row.
func (d *Definition) Partition(ev *expr.Evaluator, row part.Row) (string, error) {
	if d.PartitionBy == "" {
		return part.AllPartition, nil
	}
	v, err := ev.EvalAny(d.PartitionBy, d.Columns, row)
	if err != nil {
		return "", err
	}
	return part.PartitionID([]part.Value{v}), nil
}

// Upgrade extends a row written under an older schema to the current
// columns, filling appended columns with their defaults.
func (d *Definition) Upgrade(ev *expr.Evaluator, row part.Row) (part.Row, error) {
	if len(row) > len(d.Columns) {
		return nil, fmt.Errorf("%w: row has %d values, schema has %d columns", ErrInvalidDefinition, len(row), len(d.Columns))
	}
	if len(row) == len(d.Columns) {
		return row, nil
	}
	out := make(part.Row, len(row), len(d.Columns))
	copy(out, row)
	for i := len(row); i < len(d.Columns); i++ {
		v, err := d.DefaultValue(ev, i, out)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Normalize checks an inserted row against the schema and converts loosely
// typed values (Int64 into a Float64 column, Unix seconds into DateTime).
func (d *Definition) Normalize(row part.Row) (part.Row, error) {
	if len(row) != len(d.Columns) {
		return nil, fmt.Errorf("%w: row has %d values, want %d", part.ErrTypeMismatch, len(row), len(d.Columns))
	}
	out := make(part.Row, len(row))
	for i, v := range row {
		want := d.Columns[i].Type
		switch {
		case v.Type == want:
			out[i] = v
		case want == part.TypeFloat64 && v.Type == part.TypeInt64:
			out[i] = part.Float(float64(v.I))
		case want == part.TypeDateTime && v.Type == part.TypeInt64:
			out[i] = part.Value{Type: part.TypeDateTime, I: v.I}
		default:
			return nil, fmt.Errorf("%w: column %q wants %s, got %s", part.ErrTypeMismatch, d.Columns[i].Name, want, v.Type)
		}
	}
	return out, nil
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Columns = slices.Clone(d.Columns)
	c.OrderBy = slices.Clone(d.OrderBy)
	if v := d.Settings.MergeWithTTLTimeoutMs; v != nil {
		ms := *v
		c.Settings.MergeWithTTLTimeoutMs = &ms
	}
	return &c
}
