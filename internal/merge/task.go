// Package merge selects and executes merges of parts.
//
// The Selector turns rules and part metadata into at most one MergeTask per
// call. The Executor runs a task against local source parts and produces a
// new part or an empty result. Part locks and the worker pool bound what a
// single replica runs at once.
package merge

import (
	"fmt"
	"time"

	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// Kind distinguishes TTL merges from regular merges.
type Kind string

const (
	KindTTL     Kind = "ttl"
	KindRegular Kind = "regular"
)

// Task is one merge of source parts within a partition. Everything an
// executor needs to reproduce the same logical output is recorded here.
type Task struct {
	Table     string   `json:"table"`
	Partition string   `json:"partition"`
	Sources   []string `json:"sources"`
	Result    string   `json:"result"`
	Kind      Kind     `json:"kind"`

	// RulesVersion is the rule set the task applies, resolved when the
	// task was proposed.
	RulesVersion ttl.Version `json:"rulesVersion"`

	// DecisionTime is the reference time of TTL evaluation, whole seconds.
	DecisionTime time.Time `json:"decisionTime"`

	Forced bool `json:"forced,omitempty"`
}

// NewTask builds a task over sources, naming its result.
func NewTask(table string, kind Kind, sources []*part.Meta, rules ttl.Version, decision time.Time, forced bool) (*Task, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("merge: task without sources")
	}
	names := make([]part.Name, len(sources))
	srcs := make([]string, len(sources))
	for i, m := range sources {
		n, err := m.ParsedName()
		if err != nil {
			return nil, err
		}
		names[i] = n
		srcs[i] = m.Name
	}
	result, err := part.MergedName(names)
	if err != nil {
		return nil, err
	}
	return &Task{
		Table:        table,
		Partition:    result.Partition,
		Sources:      srcs,
		Result:       result.String(),
		Kind:         kind,
		RulesVersion: rules,
		DecisionTime: time.Unix(decision.Unix(), 0).UTC(),
		Forced:       forced,
	}, nil
}

// IsTTL reports whether the task applies TTL rules.
func (t *Task) IsTTL() bool { return t.Kind == KindTTL }

func (t *Task) String() string {
	return fmt.Sprintf("%s merge %v -> %s (rules v%d at %s)", t.Kind, t.Sources, t.Result, t.RulesVersion, t.DecisionTime.Format(time.RFC3339))
}
