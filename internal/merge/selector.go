package merge

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// SelectorConfig holds the TTL merge throttles.
type SelectorConfig struct {
	// MaxTTLMergesInPool caps TTL merges executing on this node.
	MaxTTLMergesInPool int

	// MaxTTLEntriesInQueue caps pending TTL entries in the local queue.
	MaxTTLEntriesInQueue int

	// MergeWithTTLTimeout is the minimum delay between two TTL selection
	// attempts for one table. Tables may override it.
	MergeWithTTLTimeout time.Duration

	// MaxPartsToMerge caps the sources of one task. Zero means no cap.
	MaxPartsToMerge int
}

// Input is everything one selection looks at.
type Input struct {
	Table *table.Definition
	Rules *ttl.Snapshot

	// Parts are the active local parts of the table.
	Parts []*part.Meta

	Now time.Time

	// ActiveTTLMerges and QueuedTTLEntries are the current load.
	ActiveTTLMerges  int
	QueuedTTLEntries int

	// Force requests a forced pass over one partition.
	Force *Force
}

// Force describes a forced pass.
type Force struct {
	Partition string
	Final     bool
}

// Selector proposes merges. It keeps per-table state: the time of the last
// TTL evaluation attempt and whether TTL merges are stopped.
type Selector struct {
	cfg     SelectorConfig
	locks   *PartLocks
	metrics *metrics.MergeMetrics

	mu        sync.Mutex
	lastCheck map[string]time.Time
	stopped   map[string]bool
}

// NewSelector creates a selector consulting locks for in-flight parts.
func NewSelector(cfg SelectorConfig, locks *PartLocks, m *metrics.MergeMetrics) *Selector {
	return &Selector{
		cfg:       cfg,
		locks:     locks,
		metrics:   m,
		lastCheck: make(map[string]time.Time),
		stopped:   make(map[string]bool),
	}
}

// Stop suspends TTL proposals for a table. Running merges are unaffected.
func (s *Selector) Stop(tableName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[tableName] = true
}

// Start resumes TTL proposals for a table.
func (s *Selector) Start(tableName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stopped, tableName)
}

// Stopped reports whether TTL proposals are suspended.
func (s *Selector) Stopped(tableName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[tableName]
}

// LastEvaluation returns the time of the last TTL selection attempt.
func (s *Selector) LastEvaluation(tableName string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck[tableName]
}

// Select returns at most one task and the decision that produced it. It
// never blocks on running merges; exhausted bounds defer to a later call.
func (s *Selector) Select(in Input) (*Task, string) {
	task, decision := s.selectTask(in)
	s.metrics.RecordDecision(in.Table.Name, decision)
	return task, decision
}

func (s *Selector) selectTask(in Input) (*Task, string) {
	name := in.Table.Name
	if in.Force == nil && s.Stopped(name) {
		return nil, metrics.DecisionStopped
	}
	if in.ActiveTTLMerges >= s.cfg.MaxTTLMergesInPool {
		return nil, metrics.DecisionDeferredPool
	}
	if in.QueuedTTLEntries >= s.cfg.MaxTTLEntriesInQueue {
		return nil, metrics.DecisionDeferredQueue
	}

	if in.Force != nil {
		s.markChecked(name, in.Now)
		return s.forced(in)
	}

	if in.Rules.Empty() {
		return nil, metrics.DecisionNothing
	}
	timeout := in.Table.Settings.MergeWithTTLTimeout(s.cfg.MergeWithTTLTimeout)
	s.mu.Lock()
	last, seen := s.lastCheck[name]
	s.mu.Unlock()
	if seen && in.Now.Sub(last) < timeout {
		return nil, metrics.DecisionRecheckWait
	}
	s.markChecked(name, in.Now)

	byPartition := s.groupUnlocked(name, in.Parts)

	// Most urgent eligible part across partitions: the smallest expiry.
	var (
		bestPartition string
		bestPart      string
		bestExpiry    int64
		found         bool
	)
	for _, p := range sortedKeys(byPartition) {
		for _, m := range byPartition[p] {
			if m == nil || !in.Rules.Eligible(m.TTL, in.Now) {
				continue
			}
			exp := earliestExpiry(in.Rules, m)
			if !found || exp < bestExpiry {
				bestPartition, bestPart, bestExpiry, found = p, m.Name, exp, true
			}
		}
	}
	if !found {
		return nil, metrics.DecisionNothing
	}

	sources := s.runContaining(byPartition[bestPartition], bestPart)
	task, err := NewTask(name, KindTTL, sources, in.Rules.Version, in.Now, false)
	if err != nil {
		return nil, metrics.DecisionNothing
	}
	return task, metrics.DecisionProposed
}

// forced scans every unlocked part of the requested partition, skipping the
// re-check interval and the eligibility filter.
func (s *Selector) forced(in Input) (*Task, string) {
	name := in.Table.Name
	byPartition := s.groupUnlocked(name, in.Parts)
	parts := byPartition[in.Force.Partition]
	if len(parts) == 0 {
		return nil, metrics.DecisionNothing
	}
	// The whole partition is merged at once, so wait for in-flight tasks.
	for _, m := range parts {
		if m == nil {
			return nil, metrics.DecisionDeferredQueue
		}
	}
	if s.cfg.MaxPartsToMerge > 0 && len(parts) > s.cfg.MaxPartsToMerge {
		parts = parts[:s.cfg.MaxPartsToMerge]
	}

	kind := KindTTL
	if in.Rules.Empty() || s.Stopped(name) {
		kind = KindRegular
	}
	// A single part only changes under TTL evaluation.
	if len(parts) == 1 && kind == KindRegular {
		return nil, metrics.DecisionNothing
	}
	if len(parts) == 1 && !in.Force.Final && !in.Rules.Eligible(parts[0].TTL, in.Now) {
		return nil, metrics.DecisionNothing
	}

	var version ttl.Version
	if kind == KindTTL {
		version = in.Rules.Version
	}
	task, err := NewTask(name, kind, parts, version, in.Now, true)
	if err != nil {
		return nil, metrics.DecisionNothing
	}
	return task, metrics.DecisionProposed
}

func (s *Selector) markChecked(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck[name] = now
}

// groupUnlocked groups parts by partition in block order. Locked parts stay
// in the lists as run separators.
func (s *Selector) groupUnlocked(tableName string, parts []*part.Meta) map[string][]*part.Meta {
	out := make(map[string][]*part.Meta)
	for _, m := range parts {
		if !m.Active {
			continue
		}
		out[m.Partition] = append(out[m.Partition], m)
	}
	for p, list := range out {
		sort.Slice(list, func(i, j int) bool {
			a, _ := list[i].ParsedName()
			b, _ := list[j].ParsedName()
			return a.MinBlock < b.MinBlock
		})
		unlocked := list[:0]
		for _, m := range list {
			if s.locks.Locked(tableName, m.Name) {
				unlocked = append(unlocked, nil)
				continue
			}
			unlocked = append(unlocked, m)
		}
		out[p] = unlocked
	}
	return out
}

// runContaining returns the maximal run of adjacent unlocked parts around
// target, capped at MaxPartsToMerge.
func (s *Selector) runContaining(list []*part.Meta, target string) []*part.Meta {
	idx := -1
	for i, m := range list {
		if m != nil && m.Name == target {
			idx = i
			break
		}
	}
	lo, hi := idx, idx+1
	for lo > 0 && list[lo-1] != nil {
		lo--
	}
	for hi < len(list) && list[hi] != nil {
		hi++
	}
	run := list[lo:hi]
	if limit := s.cfg.MaxPartsToMerge; limit > 0 && len(run) > limit {
		start := max(0, min(idx-lo-limit/2, len(run)-limit))
		run = run[start : start+limit]
	}
	return run
}

func earliestExpiry(rules *ttl.Snapshot, m *part.Meta) int64 {
	earliest := int64(math.MinInt64)
	found := false
	for _, fp := range rules.Fingerprints() {
		r, ok := m.TTL[fp]
		if !ok {
			return earliest
		}
		if r.IsEmpty() {
			continue
		}
		if !found || r.Min < earliest {
			earliest, found = r.Min, true
		}
	}
	return earliest
}

func sortedKeys(m map[string][]*part.Meta) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
