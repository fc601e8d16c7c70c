// Package ttl models TTL rules and evaluates them against rows.
//
// A rule set is immutable once defined. Each definition produces a new,
// monotonically increasing Version stored in the coordination store; merges
// resolve the current Snapshot when they are proposed and carry its version,
// so an ALTER never changes the rules a task already runs under.
//
// Rule kinds:
//
//	Delete       drop rows once the expression is <= the reference time
//	DeleteWhere  same, only for rows matching a predicate
//	GroupBy      fold expired rows into one row per key with aggregates
//	ColumnReset  reset one column of expired rows to its default
//
// Within one evaluation, delete rules apply first, then GROUP BY, then
// column resets.
package ttl
