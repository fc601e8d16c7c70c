package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/replication"
)

// Insert writes rows as one new level-0 part per partition, registers the
// parts on this replica and announces them to the others. It returns the
// new part names in partition order.
func (r *Replica) Insert(ctx context.Context, tableName string, rows []part.Row) ([]string, error) {
	st, err := r.table(tableName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	def, err := r.tables.Get(ctx, tableName)
	if err != nil {
		return nil, err
	}
	snap, err := r.rules.Resolve(ctx, tableName)
	if err != nil {
		return nil, err
	}

	byPartition := make(map[string][]part.Row)
	for i, row := range rows {
		norm, err := def.Normalize(row)
		if err != nil {
			return nil, fmt.Errorf("engine: row %d: %w", i, err)
		}
		p, err := def.Partition(r.exprs, norm)
		if err != nil {
			return nil, fmt.Errorf("engine: row %d partition: %w", i, err)
		}
		byPartition[p] = append(byPartition[p], norm)
	}
	partitions := make([]string, 0, len(byPartition))
	for p := range byPartition {
		partitions = append(partitions, p)
	}
	sort.Strings(partitions)

	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		prows := byPartition[p]
		part.SortRows(prows, def.OrderKey())
		ranges, err := r.ttlEval.Ranges(def, snap, prows)
		if err != nil {
			return names, err
		}
		block, err := r.allocateBlock(ctx, tableName)
		if err != nil {
			return names, err
		}

		now := r.cfg.Now().UTC()
		m := &part.Meta{
			Name:          part.NewInsertName(p, block).String(),
			Partition:     p,
			SchemaVersion: def.SchemaVersion,
			RulesVersion:  uint64(snap.Version),
			TTL:           ranges,
			CreatedAt:     now,
			Active:        true,
		}
		if err := r.cols.WritePart(ctx, tableName, m, prows); err != nil {
			return names, err
		}
		err = replication.RunTxn(ctx, r.meta, tableName, func(txn metadata.Txn) error {
			seq, err := st.log.StageAppend(txn, replication.NewGetPart(r.cfg.Replica, m, now))
			if err != nil {
				return err
			}
			m.CreatedSeq = seq
			return r.cols.StageRegister(txn, tableName, m)
		})
		if err != nil {
			return names, fmt.Errorf("engine: announce %s: %w", m.Name, err)
		}
		r.cfg.Metrics.Replication.RecordAppend(tableName, string(replication.KindGetPart))
		r.logger.Debugf("part inserted", map[string]any{
			"table": tableName,
			"part":  m.Name,
			"rows":  m.Rows,
			"seq":   m.CreatedSeq,
		})
		names = append(names, m.Name)
	}
	st.notify()
	return names, nil
}

// allocateBlock reserves the next block number of the table.
func (r *Replica) allocateBlock(ctx context.Context, tableName string) (uint64, error) {
	key := keys.BlockNumbersKey(tableName)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		res, err := r.meta.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		var next uint64
		if res.Exists {
			next, err = strconv.ParseUint(string(res.Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("engine: corrupt block counter of %q: %w", tableName, err)
			}
		}
		_, err = r.meta.Put(ctx, key, []byte(strconv.FormatUint(next+1, 10)), metadata.WithExpectedVersion(res.Version))
		if errors.Is(err, metadata.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return next, nil
	}
}
