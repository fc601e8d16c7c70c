package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/dray-io/ttlmerge/internal/colstore"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/merge"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

var (
	// ErrPartUnavailable is returned when no replica can serve a part yet.
	ErrPartUnavailable = errors.New("replication: no replica holds the part yet")

	// ErrConvergence is returned when a locally computed merge output does
	// not match the result recorded for the entry.
	ErrConvergence = errors.New("replication: merge output differs from recorded result")
)

// State is the position of an entry in a replica's queue.
type State string

const (
	StateProposed  State = "proposed"
	StateAssigned  State = "assigned"
	StateExecuting State = "executing"
	StateFetching  State = "fetching"
	StateCompleted State = "completed"
)

// Catalog resolves table definitions and rule sets.
type Catalog interface {
	Definition(ctx context.Context, table string) (*table.Definition, error)
	Rules(ctx context.Context, table string, version ttl.Version) (*ttl.Snapshot, error)
	CurrentRules(ctx context.Context, table string) (*ttl.Snapshot, error)
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Replica string

	RetryInitial       time.Duration
	RetryMax           time.Duration
	StallAfterAttempts int

	// FetchRatePerSec and FetchBurst throttle part fetches from peers.
	FetchRatePerSec float64
	FetchBurst      int

	Metrics *metrics.ReplicationMetrics
	Logger  *logging.Logger
	Now     func() time.Time
}

// QueueDeps are the collaborators of a Queue.
type QueueDeps struct {
	Meta     metadata.MetadataStore
	Log      *Log
	Cols     *colstore.Store
	Executor *merge.Executor
	Pool     *merge.Pool
	Locks    *merge.PartLocks
	Catalog  Catalog
}

// EntryStatus describes one pending entry.
type EntryStatus struct {
	Seq       uint64    `json:"seq"`
	Kind      EntryKind `json:"kind"`
	Partition string    `json:"partition"`
	Produces  string    `json:"produces"`
	State     State     `json:"state"`
	TTL       bool      `json:"ttl"`
	Blocked   bool      `json:"blocked"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Stalled   bool      `json:"stalled"`
}

type item struct {
	entry       *Entry
	state       State
	blocked     bool
	attempts    int
	lastErr     error
	nextAttempt time.Time
	bo          *backoff.ExponentialBackOff
	stalled     bool

	// fetchOnly is set after local output diverged from the recorded
	// result; the entry is then completed from a peer's part.
	fetchOnly bool
}

// completion is what one entry's completion transaction applies.
type completion struct {
	action  string
	part    *part.Meta
	sources []*part.Meta
	result  *Result
}

// Queue applies the replication log of one table on one replica. Pull
// loads new entries, Process moves each entry forward as far as it can
// without blocking; merges run on the shared pool and complete from there.
type Queue struct {
	table   string
	cfg     QueueConfig
	deps    QueueDeps
	logger  *logging.Logger
	limiter *rate.Limiter
	now     func() time.Time

	processMu  sync.Mutex
	completeMu sync.Mutex

	mu             sync.Mutex
	items          []*item
	pulled         uint64
	acked          uint64
	completions    uint64
	fetchesStopped bool
}

// NewQueue creates the queue of table resuming after acked.
func NewQueue(tableName string, acked uint64, cfg QueueConfig, deps QueueDeps) *Queue {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if cfg.FetchRatePerSec > 0 {
		limit = rate.Limit(cfg.FetchRatePerSec)
	}
	burst := max(cfg.FetchBurst, 1)
	return &Queue{
		table:   tableName,
		cfg:     cfg,
		deps:    deps,
		logger:  logging.OrGlobal(cfg.Logger).With(map[string]any{"table": tableName, "replica": cfg.Replica}),
		limiter: rate.NewLimiter(limit, burst),
		now:     now,
		pulled:  acked,
		acked:   acked,
	}
}

// Acked returns the highest seq applied together with all before it.
func (q *Queue) Acked() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// StopFetches pauses fetching parts from peers. Local execution goes on.
func (q *Queue) StopFetches() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchesStopped = true
}

// StartFetches resumes fetching.
func (q *Queue) StartFetches() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchesStopped = false
}

// FetchesStopped reports whether fetches are paused.
func (q *Queue) FetchesStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fetchesStopped
}

// Pull appends log entries this queue has not seen yet and returns how many
// it added. A replica whose next entry was already trimmed first clones the
// part set of the most advanced peer.
func (q *Queue) Pull(ctx context.Context) (int, error) {
	return q.pull(ctx, true)
}

func (q *Queue) pull(ctx context.Context, mayClone bool) (int, error) {
	q.mu.Lock()
	pulled := q.pulled
	q.mu.Unlock()

	entries, err := q.deps.Log.Read(ctx, pulled, 0)
	if err != nil {
		return 0, err
	}
	if mayClone {
		trimmed, err := q.trimmedPast(ctx, pulled, entries)
		if err != nil {
			return 0, err
		}
		if trimmed {
			if err := q.clone(ctx); err != nil {
				return 0, err
			}
			return q.pull(ctx, false)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, e := range entries {
		if e.Seq <= q.pulled {
			continue
		}
		q.items = append(q.items, &item{entry: e, state: StateProposed, bo: q.newBackOff()})
		q.pulled = e.Seq
		added++
	}
	return added, nil
}

func (q *Queue) trimmedPast(ctx context.Context, pulled uint64, entries []*Entry) (bool, error) {
	if len(entries) > 0 {
		return entries[0].Seq > pulled+1, nil
	}
	head, err := q.deps.Log.Head(ctx)
	if err != nil {
		return false, err
	}
	return head > pulled, nil
}

// clone copies the part set of the peer with the highest pointer as of that
// pointer and resumes the log after it.
func (q *Queue) clone(ctx context.Context) error {
	ptrs, err := Pointers(ctx, q.deps.Meta, q.table)
	if err != nil {
		return err
	}
	donor, at := "", uint64(0)
	for r, seq := range ptrs {
		if r != q.cfg.Replica && (seq > at || seq == at && r < donor) {
			donor, at = r, seq
		}
	}
	if donor == "" {
		return fmt.Errorf("%w: log of %s is trimmed and no peer can be cloned", ErrPartUnavailable, q.table)
	}

	peerParts, err := colstore.ListReplicaParts(ctx, q.deps.Meta, q.table, donor)
	if err != nil {
		return err
	}
	var cloned []*part.Meta
	for _, m := range peerParts {
		if m.CreatedSeq > at || !m.Active && m.SupersededBy <= at {
			continue
		}
		if _, _, err := q.deps.Cols.FetchFrom(ctx, donor, q.table, m.Name, m.Checksum); err != nil {
			return fmt.Errorf("replication: clone %s from %s: %w", m.Name, donor, err)
		}
		c := *m
		c.Active, c.SupersededBy, c.InactiveSince = true, 0, time.Time{}
		cloned = append(cloned, &c)
	}

	now := q.now()
	err = RunTxn(ctx, q.deps.Meta, q.table, func(txn metadata.Txn) error {
		for _, m := range cloned {
			if err := q.deps.Cols.StageRegister(txn, q.table, m); err != nil {
				return err
			}
		}
		return StageAdvancePointer(txn, q.table, q.cfg.Replica, at, now)
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.items = nil
	q.pulled, q.acked = at, at
	q.mu.Unlock()
	q.logger.Infof("cloned replica state", map[string]any{"donor": donor, "seq": at, "parts": len(cloned)})
	return nil
}

// Process moves every pending entry forward once. It does not wait for
// merges it hands to the pool.
func (q *Queue) Process(ctx context.Context) error {
	q.processMu.Lock()
	defer q.processMu.Unlock()
	defer q.publish()

	q.mu.Lock()
	items := slices.Clone(q.items)
	q.mu.Unlock()

	var (
		local   map[string]*part.Meta
		localAt uint64
	)
	now := q.now()
	for i, it := range items {
		q.mu.Lock()
		state, next := it.state, it.nextAttempt
		it.blocked = state == StateProposed && blockedBy(items[:i], it)
		blocked := it.blocked
		completions := q.completions
		q.mu.Unlock()

		if state == StateExecuting || state == StateCompleted || blocked || now.Before(next) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if local == nil || localAt != completions {
			var err error
			if local, err = q.localParts(ctx); err != nil {
				return err
			}
			localAt = completions
		}
		q.advance(ctx, it, local)
	}
	return nil
}

func (q *Queue) localParts(ctx context.Context) (map[string]*part.Meta, error) {
	parts, err := q.deps.Cols.Parts(ctx, q.table)
	if err != nil {
		return nil, err
	}
	local := make(map[string]*part.Meta, len(parts))
	for _, m := range parts {
		local[m.Name] = m
	}
	return local, nil
}

// blockedBy reports whether an earlier incomplete entry produces one of the
// sources of it.
func blockedBy(earlier []*item, it *item) bool {
	sources := it.entry.Sources()
	if len(sources) == 0 {
		return false
	}
	for _, p := range earlier {
		if p.state != StateCompleted && slices.Contains(sources, p.entry.Produces()) {
			return true
		}
	}
	return false
}

func (q *Queue) advance(ctx context.Context, it *item, local map[string]*part.Meta) {
	e := it.entry
	if q.applied(e, local) {
		q.complete(ctx, it, completion{action: "noop", sources: activeSources(e, local)})
		return
	}

	switch e.Kind {
	case KindGetPart:
		q.fetch(ctx, it, e.Part.Name, e.Part.Checksum, e.Origin, nil)
	case KindMergeParts:
		q.advanceMerge(ctx, it, local)
	}
}

// applied reports whether the entry's effect is already in the local part
// set, as after a clone or a restart ahead of the acknowledged pointer.
func (q *Queue) applied(e *Entry, local map[string]*part.Meta) bool {
	if _, ok := local[e.Produces()]; ok {
		return true
	}
	sources := e.Sources()
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		m, ok := local[s]
		if !ok || m.Active || m.SupersededBy != e.Seq {
			return false
		}
	}
	return true
}

func (q *Queue) advanceMerge(ctx context.Context, it *item, local map[string]*part.Meta) {
	e := it.entry
	task := e.Task

	q.mu.Lock()
	fetchOnly := it.fetchOnly
	q.mu.Unlock()

	sources := make([]*part.Meta, 0, len(task.Sources))
	for _, name := range task.Sources {
		if m, ok := local[name]; ok && m.Active {
			sources = append(sources, m)
		}
	}
	haveAll := len(sources) == len(task.Sources)

	if haveAll && !fetchOnly && q.deps.Locks.TryLock(q.table, lockedParts(e), e.Seq) {
		// Once submitted, only the worker moves the entry on.
		q.setState(it, StateExecuting)
		submitted := q.deps.Pool.TrySubmit(task.IsTTL(), func() {
			q.execute(context.WithoutCancel(ctx), it, sources)
		})
		if submitted {
			return
		}
		q.setState(it, StateAssigned)
	}

	// No local execution: complete from the recorded result if there is one.
	res, ok, err := q.deps.Log.Result(ctx, e.Seq)
	if err != nil {
		q.fail(it, "result", err)
		return
	}
	if !ok {
		if !haveAll {
			q.fail(it, "result", fmt.Errorf("%w: awaiting result of %s", ErrPartUnavailable, task.Result))
		}
		return
	}
	if res.Empty {
		q.complete(ctx, it, completion{action: "empty", sources: sources})
		return
	}
	q.fetch(ctx, it, res.Part, res.Checksum, res.Producer, sources)
}

func (q *Queue) execute(ctx context.Context, it *item, sources []*part.Meta) {
	e := it.entry
	task := e.Task

	def, err := q.deps.Catalog.Definition(ctx, q.table)
	if err != nil {
		q.fail(it, "execute", err)
		return
	}
	var snap *ttl.Snapshot
	if task.IsTTL() {
		snap, err = q.deps.Catalog.Rules(ctx, q.table, task.RulesVersion)
		if err != nil {
			q.fail(it, "execute", err)
			return
		}
	}

	out, err := q.deps.Executor.Execute(ctx, def, snap, task, sources, e.Seq)
	if err != nil {
		q.fail(it, "execute", err)
		return
	}

	rec := &Result{
		Seq:         e.Seq,
		Empty:       out.Empty,
		Rows:        out.Rows,
		Checksum:    out.Checksum,
		Producer:    q.cfg.Replica,
		CompletedAt: q.now().UTC(),
	}
	if out.Meta != nil {
		rec.Part = out.Meta.Name
	}

	existing, ok, err := q.deps.Log.Result(ctx, e.Seq)
	if err == nil && ok && !existing.Matches(rec) {
		err = ErrConvergence
	}
	if err == nil {
		err = q.complete(ctx, it, completion{action: "execute", part: out.Meta, sources: sources, result: rec})
		if err == nil || !errors.Is(err, ErrConvergence) {
			return
		}
	}

	if errors.Is(err, ErrConvergence) {
		q.diverged(ctx, it, rec, out.Meta)
		return
	}
	q.fail(it, "execute", err)
}

// diverged drops local output that disagrees with the recorded result and
// switches the entry to fetching the recorded part.
func (q *Queue) diverged(ctx context.Context, it *item, local *Result, m *part.Meta) {
	recorded, _, _ := q.deps.Log.Result(ctx, it.entry.Seq)
	fields := map[string]any{
		"seq":           it.entry.Seq,
		"part":          it.entry.Produces(),
		"localChecksum": local.Checksum,
		"localRows":     local.Rows,
	}
	if recorded != nil {
		fields["recordedChecksum"] = recorded.Checksum
		fields["recordedRows"] = recorded.Rows
		fields["producer"] = recorded.Producer
	}
	q.logger.Errorf("merge output diverged from recorded result", fields)

	if m != nil {
		if err := q.deps.Cols.DeletePhysical(ctx, q.table, m.Name); err != nil {
			q.logger.Warnf("failed to discard diverged part", map[string]any{"part": m.Name, "error": err})
		}
	}
	q.mu.Lock()
	it.fetchOnly = true
	q.mu.Unlock()
	q.fail(it, "execute", ErrConvergence)
}

// fetch copies name from a peer and completes the entry with it. preferred
// is tried first.
func (q *Queue) fetch(ctx context.Context, it *item, name string, checksum uint64, preferred string, sources []*part.Meta) {
	if q.FetchesStopped() || !q.limiter.Allow() {
		return
	}
	q.setState(it, StateFetching)

	members, err := Members(ctx, q.deps.Meta, q.table)
	if err != nil {
		q.fail(it, "fetch", err)
		return
	}
	peers := []string{preferred}
	for _, r := range members {
		if r != preferred {
			peers = append(peers, r)
		}
	}

	lastErr := fmt.Errorf("%w: %s", ErrPartUnavailable, name)
	for _, peer := range peers {
		if peer == q.cfg.Replica || peer == "" {
			continue
		}
		m, ok, err := colstore.Lookup(ctx, q.deps.Meta, q.table, peer, name)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		_, n, err := q.deps.Cols.FetchFrom(ctx, peer, q.table, name, checksum)
		if err != nil {
			if !errors.Is(err, colstore.ErrPartNotFound) {
				lastErr = err
			}
			continue
		}
		q.cfg.Metrics.RecordFetch(n)

		c := *m
		c.Active, c.SupersededBy, c.InactiveSince = true, 0, time.Time{}
		c.CreatedSeq = it.entry.Seq
		c.CreatedAt = q.now().UTC()
		q.complete(ctx, it, completion{action: "fetch", part: &c, sources: sources})
		return
	}
	q.fail(it, "fetch", lastErr)
}

// complete applies c in one transaction: registers the new part,
// supersedes the local sources, records the result if none is recorded and
// advances this replica's pointer over every contiguous completed entry.
func (q *Queue) complete(ctx context.Context, it *item, c completion) error {
	q.completeMu.Lock()
	defer q.completeMu.Unlock()

	e := it.entry
	ack := q.ackWith(it)
	now := q.now()

	err := RunTxn(ctx, q.deps.Meta, q.table, func(txn metadata.Txn) error {
		if c.part != nil {
			if err := q.deps.Cols.StageRegister(txn, q.table, c.part); err != nil {
				return err
			}
		}
		for _, src := range c.sources {
			if !src.Active {
				continue
			}
			if err := q.deps.Cols.StageDeactivate(txn, q.table, src, e.Seq, now); err != nil {
				return err
			}
		}
		if c.result != nil {
			existing, err := q.deps.Log.StagePutResult(txn, c.result)
			if err != nil {
				return err
			}
			if existing != nil && !existing.Matches(c.result) {
				return ErrConvergence
			}
		}
		return StageAdvancePointer(txn, q.table, q.cfg.Replica, ack, now)
	})
	if err != nil {
		if !errors.Is(err, ErrConvergence) {
			q.fail(it, c.action, err)
		}
		return err
	}

	q.mu.Lock()
	it.state = StateCompleted
	it.blocked = false
	q.acked = ack
	q.completions++
	q.mu.Unlock()

	q.deps.Locks.Unlock(q.table, lockedParts(e), e.Seq)
	q.cfg.Metrics.RecordAttempt(q.table, c.action, true)
	q.cfg.Metrics.SetAcked(q.table, ack)
	q.logger.Debugf("replication entry completed", map[string]any{
		"seq":    e.Seq,
		"kind":   string(e.Kind),
		"action": c.action,
		"part":   e.Produces(),
	})
	return nil
}

// ackWith returns the pointer after it completes.
func (q *Queue) ackWith(it *item) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ack := q.acked
	for _, x := range q.items {
		if x.entry.Seq <= ack {
			continue
		}
		if x.entry.Seq != ack+1 || x != it && x.state != StateCompleted {
			break
		}
		ack++
	}
	return ack
}

// fail schedules a retry of it with backoff. Entries are never dropped;
// after StallAfterAttempts they are reported as stalled.
func (q *Queue) fail(it *item, action string, err error) {
	q.mu.Lock()
	it.attempts++
	it.lastErr = err
	it.nextAttempt = q.now().Add(it.bo.NextBackOff())
	if it.state != StateCompleted {
		it.state = StateProposed
		if q.deps.Locks.Locked(q.table, it.entry.Produces()) {
			it.state = StateAssigned
		}
	}
	attempts := it.attempts
	newlyStalled := q.cfg.StallAfterAttempts > 0 && attempts >= q.cfg.StallAfterAttempts && !it.stalled
	if newlyStalled {
		it.stalled = true
	}
	q.mu.Unlock()

	q.cfg.Metrics.RecordAttempt(q.table, action, false)
	fields := map[string]any{
		"seq":      it.entry.Seq,
		"kind":     string(it.entry.Kind),
		"part":     it.entry.Produces(),
		"action":   action,
		"attempts": attempts,
		"error":    err.Error(),
	}
	if newlyStalled {
		q.logger.Errorf("replication entry stalled", fields)
		return
	}
	q.logger.Warnf("replication entry failed, will retry", fields)
}

func (q *Queue) setState(it *item, s State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.state = s
}

func (q *Queue) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if q.cfg.RetryInitial > 0 {
		bo.InitialInterval = q.cfg.RetryInitial
	}
	if q.cfg.RetryMax > 0 {
		bo.MaxInterval = q.cfg.RetryMax
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// prune drops completed entries covered by the pointer. Caller holds q.mu.
func (q *Queue) prune() {
	i := 0
	for i < len(q.items) && q.items[i].state == StateCompleted && q.items[i].entry.Seq <= q.acked {
		i++
	}
	q.items = q.items[i:]
}

func (q *Queue) publish() {
	q.mu.Lock()
	q.prune()
	byState := map[string]int{}
	stalled := 0
	for _, it := range q.items {
		if it.state == StateCompleted {
			continue
		}
		byState[string(it.state)]++
		if it.stalled {
			stalled++
		}
	}
	q.mu.Unlock()
	q.cfg.Metrics.SetQueue(q.table, byState, stalled)
}

// Entries returns the status of every incomplete entry in seq order.
func (q *Queue) Entries() []EntryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EntryStatus, 0, len(q.items))
	for _, it := range q.items {
		if it.state == StateCompleted {
			continue
		}
		s := EntryStatus{
			Seq:       it.entry.Seq,
			Kind:      it.entry.Kind,
			Partition: it.entry.Partition(),
			Produces:  it.entry.Produces(),
			State:     it.state,
			TTL:       it.entry.IsTTL(),
			Blocked:   it.blocked,
			Attempts:  it.attempts,
			Stalled:   it.stalled,
		}
		if it.lastErr != nil {
			s.LastError = it.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// Pending returns the number of incomplete entries.
func (q *Queue) Pending() int {
	return len(q.Entries())
}

// PendingTTL returns the number of incomplete TTL merge entries.
func (q *Queue) PendingTTL() int {
	n := 0
	for _, s := range q.Entries() {
		if s.TTL {
			n++
		}
	}
	return n
}

// Completed reports whether the entry at seq has been applied here.
func (q *Queue) Completed(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq <= q.acked {
		return true
	}
	for _, it := range q.items {
		if it.entry.Seq == seq {
			return it.state == StateCompleted
		}
	}
	return false
}

// Pulled returns the last seq loaded from the log.
func (q *Queue) Pulled() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pulled
}

func lockedParts(e *Entry) []string {
	return append(slices.Clone(e.Sources()), e.Produces())
}

func activeSources(e *Entry, local map[string]*part.Meta) []*part.Meta {
	var out []*part.Meta
	for _, s := range e.Sources() {
		if m, ok := local[s]; ok && m.Active {
			out = append(out, m)
		}
	}
	return out
}

// Busy returns the parts referenced by incomplete merge entries. They must
// not be proposed into another merge. A pending GET_PART reserves nothing: a
// part is only selectable once it is active locally, and merges proposed
// over it are ordered after the GET_PART on every replica.
func (q *Queue) Busy() map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]bool)
	for _, it := range q.items {
		if it.state == StateCompleted || it.entry.Kind == KindGetPart {
			continue
		}
		for _, p := range lockedParts(it.entry) {
			out[p] = true
		}
	}
	return out
}
