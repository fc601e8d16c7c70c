package part

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrTypeMismatch is returned when a value does not fit a column type.
var ErrTypeMismatch = errors.New("part: type mismatch")

// Type is a column type.
type Type uint8

const (
	TypeInt64 Type = iota + 1
	TypeFloat64
	TypeString
	TypeDateTime
)

// ParseType parses a type name as written in table definitions.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "int64", "int", "uint64", "uint32", "int32":
		return TypeInt64, nil
	case "float64", "float", "double":
		return TypeFloat64, nil
	case "string":
		return TypeString, nil
	case "datetime", "date":
		return TypeDateTime, nil
	default:
		return 0, fmt.Errorf("part: unknown type %q", s)
	}
}

func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "Int64"
	case TypeFloat64:
		return "Float64"
	case TypeString:
		return "String"
	case TypeDateTime:
		return "DateTime"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Value is a single typed cell. DateTime values hold Unix seconds in I.
type Value struct {
	Type Type
	I    int64
	F    float64
	S    string
}

// Int returns an Int64 value.
func Int(v int64) Value { return Value{Type: TypeInt64, I: v} }

// Float returns a Float64 value.
func Float(v float64) Value { return Value{Type: TypeFloat64, F: v} }

// Str returns a String value.
func Str(v string) Value { return Value{Type: TypeString, S: v} }

// DateTime returns a DateTime value truncated to whole seconds.
func DateTime(t time.Time) Value { return Value{Type: TypeDateTime, I: t.Unix()} }

// Zero returns the type default: 0, 0.0, "" or the Unix epoch.
func Zero(t Type) Value { return Value{Type: t} }

// Time returns a DateTime value as a UTC time.
func (v Value) Time() time.Time { return time.Unix(v.I, 0).UTC() }

// Native returns the value as a plain Go value for expression evaluation.
func (v Value) Native() any {
	switch v.Type {
	case TypeInt64:
		return v.I
	case TypeFloat64:
		return v.F
	case TypeString:
		return v.S
	case TypeDateTime:
		return v.Time()
	default:
		return nil
	}
}

// Coerce converts a Go value produced by an expression into a value of type t.
func Coerce(t Type, x any) (Value, error) {
	switch t {
	case TypeInt64:
		switch n := x.(type) {
		case int64:
			return Int(n), nil
		case int:
			return Int(int64(n)), nil
		case uint64:
			if n > math.MaxInt64 {
				return Value{}, fmt.Errorf("%w: %d overflows Int64", ErrTypeMismatch, n)
			}
			return Int(int64(n)), nil
		case float64:
			return Int(int64(n)), nil
		}
	case TypeFloat64:
		switch n := x.(type) {
		case float64:
			return Float(n), nil
		case int64:
			return Float(float64(n)), nil
		case uint64:
			return Float(float64(n)), nil
		}
	case TypeString:
		if s, ok := x.(string); ok {
			return Str(s), nil
		}
	case TypeDateTime:
		switch n := x.(type) {
		case time.Time:
			return DateTime(n), nil
		case int64:
			return Value{Type: TypeDateTime, I: n}, nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrTypeMismatch, x, t)
}

// Compare orders two values. Values of different types order by type.
func Compare(a, b Value) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	switch a.Type {
	case TypeFloat64:
		return cmp.Compare(a.F, b.F)
	case TypeString:
		return strings.Compare(a.S, b.S)
	default:
		return cmp.Compare(a.I, b.I)
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt64:
		return fmt.Sprintf("%d", v.I)
	case TypeFloat64:
		return fmt.Sprintf("%g", v.F)
	case TypeString:
		return v.S
	case TypeDateTime:
		return v.Time().Format(time.DateTime)
	default:
		return "NULL"
	}
}

// Row is an ordered list of values aligned with a table schema.
type Row []Value

// Clone returns a copy of the row.
func (r Row) Clone() Row { return slices.Clone(r) }

// CompareRows orders rows by the key columns first, then by every column.
func CompareRows(a, b Row, key []int) int {
	for _, i := range key {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

// SortRows sorts rows in place into the deterministic part order.
func SortRows(rows []Row, key []int) {
	slices.SortStableFunc(rows, func(a, b Row) int { return CompareRows(a, b, key) })
}

// Column describes one column of a table schema. Default is an optional
// expression evaluated when a column-reset rule fires or a column is added.
type Column struct {
	Name    string `json:"name" yaml:"name"`
	Type    Type   `json:"type" yaml:"type"`
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}
