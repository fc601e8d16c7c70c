package engine

import (
	"context"
	"time"

	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/replication"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// Status is the replica-local view of one table.
type Status struct {
	Table              string    `json:"table"`
	PendingTTLEntries  int       `json:"pendingTtlEntries"`
	ActivePartsCount   int       `json:"activePartsCount"`
	LastEvaluationTime time.Time `json:"lastEvaluationTime,omitzero"`

	QueueSize      int                       `json:"queueSize"`
	Stalled        []replication.EntryStatus `json:"stalled,omitempty"`
	Leader         bool                      `json:"leader"`
	RulesVersion   ttl.Version               `json:"rulesVersion"`
	MergesStopped  bool                      `json:"mergesStopped"`
	FetchesStopped bool                      `json:"fetchesStopped"`
	ActiveRows     int                       `json:"activeRows"`
	Acked          uint64                    `json:"acked"`
	Head           uint64                    `json:"head"`
}

// Status reports the table as seen from this replica.
func (r *Replica) Status(ctx context.Context, tableName string) (*Status, error) {
	st, err := r.table(tableName)
	if err != nil {
		return nil, err
	}
	parts, err := r.cols.ActiveParts(ctx, tableName)
	if err != nil {
		return nil, err
	}
	snap, err := r.rules.Resolve(ctx, tableName)
	if err != nil {
		return nil, err
	}
	head, err := st.log.Head(ctx)
	if err != nil {
		return nil, err
	}
	lease, err := r.lease.Holder(ctx, tableName)
	if err != nil {
		return nil, err
	}

	s := &Status{
		Table:              tableName,
		PendingTTLEntries:  st.queue.PendingTTL(),
		ActivePartsCount:   len(parts),
		LastEvaluationTime: r.selector.LastEvaluation(tableName),
		Leader:             lease != nil && lease.Holder == r.cfg.Replica,
		RulesVersion:       snap.Version,
		MergesStopped:      r.selector.Stopped(tableName),
		FetchesStopped:     st.queue.FetchesStopped(),
		Acked:              st.queue.Acked(),
		Head:               head,
	}
	for _, m := range parts {
		s.ActiveRows += m.Rows
	}
	for _, e := range st.queue.Entries() {
		s.QueueSize++
		if e.Stalled {
			s.Stalled = append(s.Stalled, e)
		}
	}
	return s, nil
}

// Queue returns the pending replication entries of the table.
func (r *Replica) Queue(tableName string) ([]replication.EntryStatus, error) {
	st, err := r.table(tableName)
	if err != nil {
		return nil, err
	}
	return st.queue.Entries(), nil
}

// ActiveParts lists the active parts of the table on this replica.
func (r *Replica) ActiveParts(ctx context.Context, tableName string) ([]*part.Meta, error) {
	if _, err := r.table(tableName); err != nil {
		return nil, err
	}
	return r.cols.ActiveParts(ctx, tableName)
}

// Rows returns the rows of the active parts of a partition, or of every
// partition when partition is empty, upgraded to the current schema and in
// ORDER BY order.
func (r *Replica) Rows(ctx context.Context, tableName, partition string) ([]part.Row, error) {
	if _, err := r.table(tableName); err != nil {
		return nil, err
	}
	def, err := r.tables.Get(ctx, tableName)
	if err != nil {
		return nil, err
	}
	parts, err := r.cols.ActiveParts(ctx, tableName)
	if err != nil {
		return nil, err
	}
	var out []part.Row
	for _, m := range parts {
		if partition != "" && m.Partition != partition {
			continue
		}
		rows, err := r.cols.ReadPart(ctx, tableName, m.Name)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			up, err := def.Upgrade(r.exprs, row)
			if err != nil {
				return nil, err
			}
			out = append(out, up)
		}
	}
	part.SortRows(out, def.OrderKey())
	return out, nil
}

// Definition returns the current definition of an attached table.
func (r *Replica) Definition(ctx context.Context, tableName string) (*table.Definition, error) {
	if _, err := r.table(tableName); err != nil {
		return nil, err
	}
	return r.tables.Get(ctx, tableName)
}

// Ready reports whether the replica still serves requests and can reach
// its lease keys.
func (r *Replica) Ready(ctx context.Context) error {
	for _, name := range r.Tables() {
		if _, err := r.table(name); err != nil {
			return err
		}
		if _, err := r.lease.Holder(ctx, name); err != nil {
			return err
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}
