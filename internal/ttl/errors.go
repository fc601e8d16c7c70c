package ttl

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateDeleteRule: a table has at most one DELETE or DELETE WHERE rule.
	ErrDuplicateDeleteRule = errors.New("ttl: duplicate table delete rule")

	// ErrDuplicateGroupByRule: a table has at most one GROUP BY rule.
	ErrDuplicateGroupByRule = errors.New("ttl: duplicate group by rule")

	// ErrDuplicateColumnRule: a column has at most one reset rule.
	ErrDuplicateColumnRule = errors.New("ttl: duplicate column rule")

	// ErrInvalidRule covers unknown columns, bad expressions and rules on
	// sort key columns.
	ErrInvalidRule = errors.New("ttl: invalid rule")
)

// DefinitionError reports which rule of a rule set was rejected.
type DefinitionError struct {
	Index int
	Rule  Rule
	Err   error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("ttl: rule %d (%s): %v", e.Index, e.Rule, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}
