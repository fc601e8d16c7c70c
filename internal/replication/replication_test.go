package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/ttlmerge/internal/colstore"
	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/merge"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metrics"
	"github.com/dray-io/ttlmerge/internal/objectstore"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

const tbl = "events"

var t0 = time.Date(2000, 10, 10, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type catalog struct {
	tables *table.Store
	rules  *ttl.Store
	faults *faults
}

// faults injects catalog errors shared by every node of a cluster.
type faults struct {
	mu         sync.Mutex
	definition error
}

func (f *faults) setDefinition(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.definition = err
}

func (f *faults) definitionErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.definition
}

func (c catalog) Definition(ctx context.Context, name string) (*table.Definition, error) {
	if err := c.faults.definitionErr(); err != nil {
		return nil, err
	}
	return c.tables.Get(ctx, name)
}

func (c catalog) Rules(ctx context.Context, name string, v ttl.Version) (*ttl.Snapshot, error) {
	return c.rules.Get(ctx, name, v)
}

func (c catalog) CurrentRules(ctx context.Context, name string) (*ttl.Snapshot, error) {
	return c.rules.Resolve(ctx, name)
}

type cluster struct {
	t       *testing.T
	meta    *metadata.MockStore
	objects *objectstore.MockStore
	clock   *clock
	ev      *expr.Evaluator
	catalog catalog

	mu        sync.Mutex
	nextBlock uint64
}

type node struct {
	c     *cluster
	id    string
	meta  *metadata.MockStore
	cols  *colstore.Store
	pool  *merge.Pool
	locks *merge.PartLocks
	log   *Log
	lease *LeaseManager
	queue *Queue
	coord *Coordinator
}

func newCluster(t *testing.T, rules ...ttl.Rule) *cluster {
	t.Helper()
	meta := metadata.NewMockStore()
	ev := expr.New(0)
	tables := table.NewStore(meta, ev)
	_, err := tables.Create(context.Background(), table.Definition{
		Name: tbl,
		Columns: []part.Column{
			{Name: "date", Type: part.TypeDateTime},
			{Name: "id", Type: part.TypeInt64},
			{Name: "a", Type: part.TypeInt64},
		},
		OrderBy: []string{"id"},
	})
	require.NoError(t, err)
	rs := ttl.NewStore(meta, tables, ev)
	if len(rules) > 0 {
		_, err := rs.Define(context.Background(), tbl, ttl.RuleSet{Rules: rules})
		require.NoError(t, err)
	}
	return &cluster{
		t:       t,
		meta:    meta,
		objects: objectstore.NewMockStore(),
		clock:   &clock{t: t0},
		ev:      ev,
		catalog: catalog{tables: tables, rules: rs, faults: &faults{}},
	}
}

// addNode joins a replica with a pool of poolSize workers running at most
// maxTTL TTL merges.
func (c *cluster) addNode(id string, poolSize, maxTTL int) *node {
	c.t.Helper()
	ctx := context.Background()
	meta := c.meta.NewSession()
	ack, err := Register(ctx, meta, tbl, Host{Replica: id, StartedAt: c.clock.Now()}, 0)
	require.NoError(c.t, err)

	cols := colstore.New(meta, c.objects, colstore.Config{Replica: id, Codec: part.CodecZstd, Logger: logging.Nop()})
	pool, err := merge.NewPool(poolSize, maxTTL, logging.Nop())
	require.NoError(c.t, err)
	c.t.Cleanup(pool.Release)
	locks := merge.NewPartLocks()
	log := NewLog(meta, tbl)
	exec := merge.NewExecutor(cols, c.ev, merge.ExecutorConfig{Logger: logging.Nop(), Now: c.clock.Now})

	q := NewQueue(tbl, ack, QueueConfig{
		Replica:            id,
		RetryInitial:       time.Second,
		RetryMax:           4 * time.Second,
		StallAfterAttempts: 3,
		Logger:             logging.Nop(),
		Now:                c.clock.Now,
	}, QueueDeps{
		Meta:     meta,
		Log:      log,
		Cols:     cols,
		Executor: exec,
		Pool:     pool,
		Locks:    locks,
		Catalog:  c.catalog,
	})
	lease := NewLeaseManager(meta, id, time.Second, c.clock.Now)
	sel := merge.NewSelector(merge.SelectorConfig{
		MaxTTLMergesInPool:   4,
		MaxTTLEntriesInQueue: 4,
		MergeWithTTLTimeout:  time.Minute,
	}, locks, nil)
	coord := NewCoordinator(tbl, CoordinatorConfig{Replica: id, Logger: logging.Nop(), Now: c.clock.Now}, CoordinatorDeps{
		Meta:     meta,
		Log:      log,
		Lease:    lease,
		Selector: sel,
		Locks:    locks,
		Pool:     pool,
		Cols:     cols,
		Catalog:  c.catalog,
		Queue:    q,
	})
	return &node{c: c, id: id, meta: meta, cols: cols, pool: pool, locks: locks, log: log, lease: lease, queue: q, coord: coord}
}

// insert writes rows as a new level-0 part and announces it.
func (n *node) insert(rows ...part.Row) string {
	n.c.t.Helper()
	ctx := context.Background()
	n.c.mu.Lock()
	block := n.c.nextBlock
	n.c.nextBlock++
	n.c.mu.Unlock()

	name := part.NewInsertName(part.AllPartition, block).String()
	m := &part.Meta{Name: name, Partition: part.AllPartition, SchemaVersion: 1, CreatedAt: n.c.clock.Now(), Active: true}
	require.NoError(n.c.t, n.cols.WritePart(ctx, tbl, m, rows))
	err := RunTxn(ctx, n.meta, tbl, func(txn metadata.Txn) error {
		seq, err := n.log.StageAppend(txn, NewGetPart(n.id, m, n.c.clock.Now()))
		if err != nil {
			return err
		}
		m.CreatedSeq = seq
		return n.cols.StageRegister(txn, tbl, m)
	})
	require.NoError(n.c.t, err)
	return name
}

// sync pulls and processes the log until merges handed to the pool finish.
func (n *node) sync() {
	n.c.t.Helper()
	ctx := context.Background()
	for range 4 {
		_, err := n.queue.Pull(ctx)
		require.NoError(n.c.t, err)
		require.NoError(n.c.t, n.queue.Process(ctx))
		n.pool.Wait()
	}
}

func (n *node) tick() *TickReport {
	n.c.t.Helper()
	rep, err := n.coord.Tick(context.Background())
	require.NoError(n.c.t, err)
	return rep
}

func (n *node) activeNames() []string {
	n.c.t.Helper()
	parts, err := n.cols.ActiveParts(context.Background(), tbl)
	require.NoError(n.c.t, err)
	out := make([]string, 0, len(parts))
	for _, m := range parts {
		out = append(out, m.Name)
	}
	return out
}

func (n *node) registration(name string) *part.Meta {
	n.c.t.Helper()
	m, ok, err := colstore.Lookup(context.Background(), n.meta, tbl, n.id, name)
	require.NoError(n.c.t, err)
	require.True(n.c.t, ok, "%s not registered on %s", name, n.id)
	return m
}

func row(date time.Time, id int64) part.Row {
	return part.Row{part.DateTime(date), part.Int(id), part.Int(id * 10)}
}

func TestLog_AppendReadTrim(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	l := NewLog(meta, tbl)

	for i := range 3 {
		m := &part.Meta{Name: fmt.Sprintf("all_%d_%d_0", i, i), Partition: "all"}
		seq, err := l.Append(ctx, NewGetPart("r1", m, t0))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	entries, err := l.Read(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, uint64(2), entries[0].Part.CreatedSeq)
	assert.Equal(t, "all_1_1_0", entries[0].Produces())

	entries, err = l.Read(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)

	n, err := l.Trim(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	first, err := l.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	seq, err := l.Append(ctx, NewGetPart("r1", &part.Meta{Name: "all_9_9_0", Partition: "all"}, t0))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq, "seqs are not reused after trimming")
}

func TestLog_AppendRejectsMalformedEntry(t *testing.T) {
	_, err := NewLog(metadata.NewMockStore(), tbl).Append(context.Background(), &Entry{Kind: KindMergeParts})
	assert.Error(t, err)
}

func TestLog_ResultFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	l := NewLog(meta, tbl)

	first := &Result{Seq: 5, Part: "all_0_1_1", Rows: 3, Checksum: 42, Producer: "r1"}
	second := &Result{Seq: 5, Part: "all_0_1_1", Rows: 3, Checksum: 42, Producer: "r2"}
	for _, r := range []*Result{first, second} {
		err := RunTxn(ctx, meta, tbl, func(txn metadata.Txn) error {
			_, err := l.StagePutResult(txn, r)
			return err
		})
		require.NoError(t, err)
	}

	got, ok, err := l.Result(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.Producer)
	assert.True(t, got.Matches(second))
	assert.False(t, got.Matches(&Result{Empty: true}))
}

func TestLog_Observe(t *testing.T) {
	meta := metadata.NewMockStore()
	l := NewLog(meta, tbl)
	_, err := l.Append(context.Background(), NewGetPart("r1", &part.Meta{Name: "all_0_0_0", Partition: "all"}, t0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []uint64
	for e, err := range l.Observe(ctx, 0, 20*time.Millisecond) {
		require.NoError(t, err)
		got = append(got, e.Seq)
		if len(got) == 1 {
			go func() {
				_, _ = l.Append(context.Background(), NewGetPart("r1", &part.Meta{Name: "all_1_1_0", Partition: "all"}, t0))
			}()
		}
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestLease_AcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: t0}
	meta := metadata.NewMockStore()
	other := meta.NewSession()
	a := NewLeaseManager(meta, "r1", time.Second, clk.Now)
	b := NewLeaseManager(other, "r2", time.Second, clk.Now)

	res, err := a.TryAcquire(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.True(t, a.Holds(tbl))

	res, err = b.TryAcquire(ctx, tbl)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "r1", res.Lease.Holder)

	clk.Advance(2 * time.Second)
	res, err = a.TryAcquire(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, t0.Add(2*time.Second), res.Lease.RenewedAt)
	assert.Equal(t, t0, res.Lease.AcquiredAt)

	require.NoError(t, a.Release(ctx, tbl))
	assert.False(t, a.Holds(tbl))
	res, err = b.TryAcquire(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	require.NoError(t, a.Release(ctx, tbl), "releasing a lease held by another replica is a no-op")

	holder, err := a.Holder(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, "r2", holder.Holder)
}

func TestLease_SessionExpiryHandsOver(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	s1, s2 := meta.NewSession(), meta.NewSession()
	a := NewLeaseManager(s1, "r1", time.Second, nil)
	b := NewLeaseManager(s2, "r2", time.Second, nil)

	res, err := a.TryAcquire(ctx, tbl)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	s1.ExpireSession()
	res, err = b.TryAcquire(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	err = RunTxn(ctx, s1, tbl, func(txn metadata.Txn) error {
		return StageCheckLeader(txn, tbl, "r1")
	})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestPointers_NeverMoveBackwards(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	ack, err := Register(ctx, meta, tbl, Host{Replica: "r1", StartedAt: t0}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ack)

	for _, seq := range []uint64{5, 3} {
		err := RunTxn(ctx, meta, tbl, func(txn metadata.Txn) error {
			return StageAdvancePointer(txn, tbl, "r1", seq, t0)
		})
		require.NoError(t, err)
	}
	ptrs, err := Pointers(ctx, meta, tbl)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"r1": 5}, ptrs)

	ack, err = Register(ctx, meta, tbl, Host{Replica: "r1", StartedAt: t0}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ack, "re-registering keeps the pointer")

	hosts, err := LiveHosts(ctx, meta, tbl)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "r1", hosts[0].Replica)
}

func TestReplicatedTTLMergeConverges(t *testing.T) {
	c := newCluster(t, ttl.Delete("date + INTERVAL 1 DAY"))
	r1 := c.addNode("r1", 4, 2)
	r2 := c.addNode("r2", 4, 2)

	r1.insert(row(t0, 1))
	r1.insert(row(t0.AddDate(0, 0, 5), 2))
	r1.sync()
	r2.sync()
	assert.Equal(t, []string{"all_0_0_0", "all_1_1_0"}, r2.activeNames(), "inserted parts replicate")

	c.clock.Set(t0.AddDate(0, 0, 2))
	rep := r1.tick()
	assert.True(t, rep.Leader)
	assert.Equal(t, []uint64{3}, rep.Proposed)
	assert.False(t, r2.tick().Leader)

	r1.sync()
	r2.sync()

	for _, n := range []*node{r1, r2} {
		assert.Equal(t, []string{"all_0_1_1"}, n.activeNames(), n.id)
		rows, err := n.cols.ReadPart(context.Background(), tbl, "all_0_1_1")
		require.NoError(t, err)
		assert.Equal(t, []part.Row{row(t0.AddDate(0, 0, 5), 2)}, rows, n.id)
		assert.Equal(t, uint64(3), n.queue.Acked(), n.id)

		src := n.registration("all_0_0_0")
		assert.False(t, src.Active)
		assert.Equal(t, uint64(3), src.SupersededBy)
	}

	res, ok, err := r1.log.Result(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, r1.registration("all_0_1_1").Checksum, r2.registration("all_0_1_1").Checksum)

	ptrs, err := Pointers(context.Background(), c.meta, tbl)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"r1": 3, "r2": 3}, ptrs)
}

func TestFollowerWithoutCapacityFetchesResult(t *testing.T) {
	c := newCluster(t, ttl.Delete("date + INTERVAL 1 DAY"))
	r1 := c.addNode("r1", 4, 2)
	r2 := c.addNode("r2", 2, 0)

	r1.insert(row(t0, 1))
	r1.insert(row(t0.AddDate(0, 0, 5), 2))
	r1.sync()
	r2.sync()

	c.clock.Set(t0.AddDate(0, 0, 2))
	r1.tick()
	r2.sync()
	assert.Equal(t, 1, r2.queue.Pending(), "waits for a result while it cannot execute")
	assert.Equal(t, StateAssigned, r2.queue.Entries()[0].State)

	r1.sync()
	r2.sync()

	m := r2.registration("all_0_1_1")
	assert.True(t, m.Active)
	assert.Equal(t, uint64(3), m.CreatedSeq)
	assert.Equal(t, r1.registration("all_0_1_1").Checksum, m.Checksum)
	assert.Contains(t, c.objects.Keys(), colstore.ObjectKey("r2", tbl, "all_0_1_1"))
	assert.False(t, r2.locks.Locked(tbl, "all_0_0_0"), "completion releases part locks")
}

func TestEmptyResultCompletesWithoutPart(t *testing.T) {
	c := newCluster(t, ttl.Delete("date + INTERVAL 1 DAY"))
	r1 := c.addNode("r1", 4, 2)
	r2 := c.addNode("r2", 2, 0)

	r1.insert(row(t0, 1))
	r1.insert(row(t0, 2))
	r1.sync()
	r2.sync()

	c.clock.Set(t0.AddDate(0, 0, 2))
	r1.tick()
	r1.sync()
	r2.sync()

	res, ok, err := r1.log.Result(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, res.Empty)

	for _, n := range []*node{r1, r2} {
		assert.Empty(t, n.activeNames(), n.id)
		src := n.registration("all_1_1_0")
		assert.False(t, src.Active)
		assert.Equal(t, uint64(3), src.SupersededBy)
		_, ok, err := colstore.Lookup(context.Background(), n.meta, tbl, n.id, "all_0_1_1")
		require.NoError(t, err)
		assert.False(t, ok, "no zero-row part is registered")
	}
}

func TestMergeBlockedBehindMissingPart(t *testing.T) {
	c := newCluster(t, ttl.Delete("date + INTERVAL 1 DAY"))
	r1 := c.addNode("r1", 4, 2)
	r2 := c.addNode("r2", 4, 2)
	r2.queue.StopFetches()

	r1.insert(row(t0, 1))
	r1.insert(row(t0.AddDate(0, 0, 5), 2))
	r1.sync()
	c.clock.Set(t0.AddDate(0, 0, 2))
	r1.tick()
	r1.sync()

	r2.sync()
	entries := r2.queue.Entries()
	require.Len(t, entries, 3)
	assert.False(t, entries[0].Blocked)
	assert.True(t, entries[2].Blocked)
	assert.Equal(t, StateProposed, entries[2].State)
	assert.Equal(t, 1, r2.queue.PendingTTL())

	r2.queue.StartFetches()
	r2.sync()
	assert.Equal(t, 0, r2.queue.Pending())
	assert.Equal(t, []string{"all_0_1_1"}, r2.activeNames())
}

func TestRecordedResultWinsOnDivergence(t *testing.T) {
	c := newCluster(t, ttl.Delete("date + INTERVAL 1 DAY"))
	r1 := c.addNode("r1", 4, 2)

	r1.insert(row(t0, 1))
	r1.insert(row(t0.AddDate(0, 0, 5), 2))
	r1.sync()
	c.clock.Set(t0.AddDate(0, 0, 2))
	r1.tick()

	err := RunTxn(context.Background(), c.meta, tbl, func(txn metadata.Txn) error {
		_, err := r1.log.StagePutResult(txn, &Result{Seq: 3, Empty: true, Producer: "r9"})
		return err
	})
	require.NoError(t, err)

	r1.sync()
	entries := r1.queue.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].LastError, ErrConvergence.Error())
	assert.NotContains(t, c.objects.Keys(), colstore.ObjectKey("r1", tbl, "all_0_1_1"), "diverged output is discarded")

	c.clock.Advance(10 * time.Second)
	r1.sync()
	assert.Equal(t, 0, r1.queue.Pending())
	assert.Empty(t, r1.activeNames())
}

func TestStalledEntryIsReportedAndRetried(t *testing.T) {
	c := newCluster(t)
	r1 := c.addNode("r1", 4, 2)
	r2 := c.addNode("r2", 4, 2)

	r1.insert(row(t0, 1))
	r1.sync()

	unreachable := errors.New("peer unreachable")
	c.objects.SetFailureHook(func(op, key string) error {
		if op == "get" && strings.Contains(key, "replicas/r1/") {
			return unreachable
		}
		return nil
	})
	for range 3 {
		r2.sync()
		c.clock.Advance(10 * time.Second)
	}
	entries := r2.queue.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Stalled)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "peer unreachable")

	c.objects.SetFailureHook(nil)
	r2.sync()
	assert.Equal(t, 0, r2.queue.Pending(), "stalled entries are never dropped")
	assert.Equal(t, []string{"all_0_0_0"}, r2.activeNames())
}

func TestFailedExecutionIsRetried(t *testing.T) {
	c := newCluster(t, ttl.Delete("date + INTERVAL 1 DAY"))
	r1 := c.addNode("r1", 1, 1)

	r1.insert(row(t0, 1))
	r1.insert(row(t0.AddDate(0, 0, 5), 2))
	r1.sync()

	c.clock.Set(t0.AddDate(0, 0, 2))
	assert.Equal(t, []uint64{3}, r1.tick().Proposed)

	c.catalog.faults.setDefinition(errors.New("catalog unavailable"))
	for want := 1; want <= 3; want++ {
		r1.sync()
		entries := r1.queue.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, want, entries[0].Attempts)
		assert.NotEqual(t, StateExecuting, entries[0].State)
		c.clock.Advance(10 * time.Second)
	}
	assert.True(t, r1.queue.Entries()[0].Stalled)

	c.catalog.faults.setDefinition(nil)
	r1.sync()
	assert.Equal(t, 0, r1.queue.Pending())
	assert.Equal(t, 0, r1.queue.PendingTTL())
	assert.Equal(t, []string{"all_0_1_1"}, r1.activeNames())
}

func TestForceRequestMergesPartition(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	r1 := c.addNode("r1", 4, 2)
	for i := range 3 {
		r1.insert(row(t0, int64(i)))
	}
	r1.sync()

	rep := r1.tick()
	assert.Equal(t, metrics.DecisionNothing, rep.Decision, "no rules, nothing to select")

	require.NoError(t, SubmitForce(ctx, r1.meta, tbl, &ForceRequest{ID: "f1", Requester: "r1", CreatedAt: c.clock.Now()}))
	rep = r1.tick()
	assert.Equal(t, []uint64{4}, rep.Proposed)

	req, ok, err := GetForce(ctx, r1.meta, tbl, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ForceDone, req.Status)
	assert.Equal(t, []uint64{4}, req.Seqs)

	r1.sync()
	assert.Equal(t, []string{"all_0_2_1"}, r1.activeNames())

	require.NoError(t, SubmitForce(ctx, r1.meta, tbl, &ForceRequest{ID: "f2", Final: true, CreatedAt: c.clock.Now()}))
	r1.tick()
	req, _, err = GetForce(ctx, r1.meta, tbl, "f2")
	require.NoError(t, err)
	assert.Equal(t, ForceDone, req.Status)
	assert.Empty(t, req.Seqs, "a single part without rules has nothing to merge")

	c.clock.Advance(time.Hour)
	n, err := DeleteDoneForce(ctx, r1.meta, tbl, c.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestForceRequestWaitsForBusyPartition(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	r1 := c.addNode("r1", 4, 2)
	r1.insert(row(t0, 1))
	r1.insert(row(t0, 2))
	r1.sync()

	require.NoError(t, SubmitForce(ctx, r1.meta, tbl, &ForceRequest{ID: "f1", CreatedAt: c.clock.Now()}))
	r1.tick()
	r1.insert(row(t0, 3))
	require.NoError(t, SubmitForce(ctx, r1.meta, tbl, &ForceRequest{ID: "f2", CreatedAt: c.clock.Now().Add(time.Second)}))

	_, err := r1.queue.Pull(ctx)
	require.NoError(t, err)
	r1.tick()
	req, _, err := GetForce(ctx, r1.meta, tbl, "f2")
	require.NoError(t, err)
	assert.Equal(t, ForcePending, req.Status, "pending merge still changes the partition")

	r1.sync()
	r1.tick()
	r1.sync()
	req, _, err = GetForce(ctx, r1.meta, tbl, "f2")
	require.NoError(t, err)
	assert.Equal(t, ForceDone, req.Status)
	assert.Equal(t, []string{"all_0_2_2"}, r1.activeNames())
}

func TestLeaderSelectsUnprocessedOwnInserts(t *testing.T) {
	c := newCluster(t, ttl.Delete("date"))
	r1 := c.addNode("r1", 4, 2)
	r1.insert(row(t0, 1))
	r1.insert(row(t0, 2))

	rep := r1.tick()
	assert.Equal(t, []uint64{3}, rep.Proposed, "pending GET_PART entries reserve no parts")
	assert.Equal(t, 3, r1.queue.Pending())

	r1.sync()
	assert.Empty(t, r1.activeNames())
	assert.Equal(t, uint64(3), r1.queue.Acked())
}

func TestFollowerCannotPropose(t *testing.T) {
	c := newCluster(t, ttl.Delete("date"))
	r1 := c.addNode("r1", 4, 2)
	r2 := c.addNode("r2", 4, 2)
	r1.tick()

	task := &merge.Task{Table: tbl, Partition: "all", Sources: []string{"all_0_0_0"}, Result: "all_0_0_1", Kind: merge.KindTTL}
	_, err := r2.coord.propose(context.Background(), task)
	assert.ErrorIs(t, err, ErrNotLeader)

	head, err := r2.log.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)
}

func TestLateReplicaClonesAfterTrim(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	r1 := c.addNode("r1", 4, 2)
	r1.insert(row(t0, 1))
	r1.insert(row(t0, 2))
	r1.sync()
	_, err := r1.log.Trim(ctx, 2)
	require.NoError(t, err)

	r3 := c.addNode("r3", 4, 2)
	r3.sync()
	assert.Equal(t, uint64(2), r3.queue.Acked())
	assert.Equal(t, []string{"all_0_0_0", "all_1_1_0"}, r3.activeNames())

	r1.insert(row(t0, 3))
	r3.sync()
	assert.Equal(t, uint64(3), r3.queue.Acked())
	assert.Len(t, r3.activeNames(), 3)

	p, ok, err := ReadPointer(ctx, c.meta, tbl, "r3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), p.Seq)
}
