package ttl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dray-io/ttlmerge/internal/part"
)

// Kind discriminates rule variants.
type Kind string

const (
	KindDelete      Kind = "delete"
	KindDeleteWhere Kind = "delete_where"
	KindGroupBy     Kind = "group_by"
	KindColumnReset Kind = "column_reset"
)

// Aggregate is a GROUP BY reduction function.
type Aggregate string

const (
	AggSum     Aggregate = "sum"
	AggMin     Aggregate = "min"
	AggMax     Aggregate = "max"
	AggAny     Aggregate = "any"
	AggAnyLast Aggregate = "anyLast"
)

// Assignment is one SET column = agg(column) clause of a GROUP BY rule.
type Assignment struct {
	Column    string    `json:"column" validate:"required"`
	Aggregate Aggregate `json:"aggregate" validate:"required"`
}

// Rule is one TTL rule. Which fields are meaningful depends on Kind.
type Rule struct {
	Kind Kind `json:"kind" validate:"required"`

	// Expr is the time expression; the rule fires for a row once it is
	// <= the reference time.
	Expr string `json:"expr" validate:"required"`

	// Where is the predicate of a DeleteWhere rule.
	Where string `json:"where,omitempty"`

	// Column is the target of a ColumnReset rule.
	Column string `json:"column,omitempty"`

	// GroupBy and Set describe a GroupBy rule.
	GroupBy []string     `json:"groupBy,omitempty"`
	Set     []Assignment `json:"set,omitempty"`
}

// Delete drops rows once expr has passed.
func Delete(expr string) Rule {
	return Rule{Kind: KindDelete, Expr: expr}
}

// DeleteWhere drops rows matching where once expr has passed.
func DeleteWhere(expr, where string) Rule {
	return Rule{Kind: KindDeleteWhere, Expr: expr, Where: where}
}

// GroupBy folds expired rows by key.
func GroupBy(expr string, keys []string, set ...Assignment) Rule {
	return Rule{Kind: KindGroupBy, Expr: expr, GroupBy: keys, Set: set}
}

// ColumnReset resets column to its default once expr has passed.
func ColumnReset(column, expr string) Rule {
	return Rule{Kind: KindColumnReset, Expr: expr, Column: column}
}

// Fingerprint identifies the rule's content. Part metadata keys TTL ranges
// by fingerprint, so changing a rule invalidates ranges computed for the old
// one.
func (r Rule) Fingerprint() string {
	data, _ := json.Marshal(r)
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func (r Rule) String() string {
	switch r.Kind {
	case KindDelete:
		return fmt.Sprintf("TTL %s DELETE", r.Expr)
	case KindDeleteWhere:
		return fmt.Sprintf("TTL %s DELETE WHERE %s", r.Expr, r.Where)
	case KindGroupBy:
		sets := make([]string, len(r.Set))
		for i, a := range r.Set {
			sets[i] = fmt.Sprintf("%s = %s(%s)", a.Column, a.Aggregate, a.Column)
		}
		return fmt.Sprintf("TTL %s GROUP BY %s SET %s", r.Expr, strings.Join(r.GroupBy, ", "), strings.Join(sets, ", "))
	case KindColumnReset:
		return fmt.Sprintf("%s TTL %s", r.Column, r.Expr)
	default:
		return fmt.Sprintf("TTL %s %s", r.Expr, r.Kind)
	}
}

// RuleSet is the complete set of TTL rules of a table.
type RuleSet struct {
	Rules []Rule `json:"rules" validate:"dive"`
}

// Version numbers rule set definitions per table. Version 0 is "no rules".
type Version uint64

// Snapshot is one immutable, versioned rule set.
type Snapshot struct {
	Version   Version   `json:"version"`
	Rules     RuleSet   `json:"rules"`
	DefinedAt time.Time `json:"definedAt"`
}

// Empty reports whether the snapshot has no rules.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Rules.Rules) == 0
}

// Fingerprints returns the fingerprint of every rule, in rule order.
func (s *Snapshot) Fingerprints() []string {
	if s == nil {
		return nil
	}
	fps := make([]string, len(s.Rules.Rules))
	for i, r := range s.Rules.Rules {
		fps[i] = r.Fingerprint()
	}
	return fps
}

// Eligible reports whether a part may hold rows for which some rule fires
// at now. Parts with no range for a rule were never evaluated under it and
// are always eligible.
func (s *Snapshot) Eligible(ranges map[string]part.TTLRange, now time.Time) bool {
	if s.Empty() {
		return false
	}
	for _, fp := range s.Fingerprints() {
		r, ok := ranges[fp]
		if !ok {
			return true
		}
		if !r.IsEmpty() && r.Min <= now.Unix() {
			return true
		}
	}
	return false
}
