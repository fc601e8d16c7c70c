package ttl

import (
	"fmt"
	"slices"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
)

// Validate checks a rule set against a table definition. The first
// offending rule is reported as a *DefinitionError.
func (rs RuleSet) Validate(def *table.Definition, ev *expr.Evaluator) error {
	var haveDelete, haveGroupBy bool
	resetColumns := make(map[string]bool)

	for i, r := range rs.Rules {
		fail := func(err error) error {
			return &DefinitionError{Index: i, Rule: r, Err: err}
		}
		if err := ev.Compile(r.Expr, def.Columns, expr.KindTime); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidRule, err))
		}

		switch r.Kind {
		case KindDelete, KindDeleteWhere:
			if haveDelete {
				return fail(ErrDuplicateDeleteRule)
			}
			haveDelete = true
			if r.Kind == KindDeleteWhere {
				if r.Where == "" {
					return fail(fmt.Errorf("%w: DELETE WHERE without predicate", ErrInvalidRule))
				}
				if err := ev.Compile(r.Where, def.Columns, expr.KindBool); err != nil {
					return fail(fmt.Errorf("%w: %v", ErrInvalidRule, err))
				}
			}

		case KindGroupBy:
			if haveGroupBy {
				return fail(ErrDuplicateGroupByRule)
			}
			haveGroupBy = true
			if err := validateGroupBy(r, def); err != nil {
				return fail(err)
			}

		case KindColumnReset:
			if def.ColumnIndex(r.Column) < 0 {
				return fail(fmt.Errorf("%w: unknown column %q", ErrInvalidRule, r.Column))
			}
			if slices.Contains(def.OrderBy, r.Column) {
				return fail(fmt.Errorf("%w: column %q is part of the sort key", ErrInvalidRule, r.Column))
			}
			if resetColumns[r.Column] {
				return fail(ErrDuplicateColumnRule)
			}
			resetColumns[r.Column] = true

		default:
			return fail(fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind))
		}
	}
	return nil
}

func validateGroupBy(r Rule, def *table.Definition) error {
	if len(r.GroupBy) == 0 {
		return fmt.Errorf("%w: GROUP BY without keys", ErrInvalidRule)
	}
	for _, k := range r.GroupBy {
		if def.ColumnIndex(k) < 0 {
			return fmt.Errorf("%w: unknown GROUP BY column %q", ErrInvalidRule, k)
		}
	}
	seen := make(map[string]bool, len(r.Set))
	for _, a := range r.Set {
		i := def.ColumnIndex(a.Column)
		if i < 0 {
			return fmt.Errorf("%w: unknown SET column %q", ErrInvalidRule, a.Column)
		}
		if slices.Contains(r.GroupBy, a.Column) {
			return fmt.Errorf("%w: SET column %q is a GROUP BY key", ErrInvalidRule, a.Column)
		}
		if seen[a.Column] {
			return fmt.Errorf("%w: SET column %q assigned twice", ErrInvalidRule, a.Column)
		}
		seen[a.Column] = true

		switch a.Aggregate {
		case AggSum:
			if t := def.Columns[i].Type; t != part.TypeInt64 && t != part.TypeFloat64 {
				return fmt.Errorf("%w: sum over %s column %q", ErrInvalidRule, t, a.Column)
			}
		case AggMin, AggMax, AggAny, AggAnyLast:
		default:
			return fmt.Errorf("%w: unknown aggregate %q", ErrInvalidRule, a.Aggregate)
		}
	}
	return nil
}
