// Package expr evaluates row expressions: TTL time expressions, DELETE WHERE
// predicates, DEFAULT expressions and partition expressions.
//
// Expressions are CEL with every schema column bound as a variable. A small
// amount of SQL-style sugar is accepted and rewritten before compilation:
//
//	date + INTERVAL 1 DAY     -> date + duration("86400s")
//	date + INTERVAL 3 MONTH   -> addMonths(date, 3)
//
// Compiled programs are cached per schema and expression.
package expr
