package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
)

// maxTxnRetries bounds optimistic retries of a coordination transaction.
const maxTxnRetries = 16

// Log is the replication log of one table.
type Log struct {
	meta  metadata.MetadataStore
	table string
}

// NewLog opens the log of table.
func NewLog(meta metadata.MetadataStore, table string) *Log {
	return &Log{meta: meta, table: table}
}

// Table returns the table the log belongs to.
func (l *Log) Table() string { return l.table }

// StageAppend assigns e the next seq and adds it to txn. It may be called
// at most once per transaction; the head read makes concurrent appends
// conflict.
func (l *Log) StageAppend(txn metadata.Txn, e *Entry) (uint64, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	head, err := readSeq(txn, keys.LogHeadKey(l.table))
	if err != nil {
		return 0, err
	}
	e.Seq = head + 1
	if e.Part != nil {
		e.Part.CreatedSeq = e.Seq
	}
	data, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}
	txn.Put(keys.LogHeadKey(l.table), []byte(strconv.FormatUint(e.Seq, 10)))
	txn.Put(keys.LogEntryKey(l.table, e.Seq), data)
	return e.Seq, nil
}

// Append appends e on its own, retrying lost races.
func (l *Log) Append(ctx context.Context, e *Entry) (uint64, error) {
	var seq uint64
	err := RunTxn(ctx, l.meta, l.table, func(txn metadata.Txn) error {
		var err error
		seq, err = l.StageAppend(txn, e)
		return err
	})
	return seq, err
}

// Head returns the seq of the last appended entry, 0 for an empty log.
func (l *Log) Head(ctx context.Context) (uint64, error) {
	res, err := l.meta.Get(ctx, keys.LogHeadKey(l.table))
	if err != nil {
		return 0, err
	}
	if !res.Exists {
		return 0, nil
	}
	return strconv.ParseUint(string(res.Value), 10, 64)
}

// First returns the seq of the oldest retained entry, 0 when none is
// retained.
func (l *Log) First(ctx context.Context) (uint64, error) {
	kvs, err := l.meta.List(ctx, keys.LogPrefix(l.table), "", 1)
	if err != nil {
		return 0, err
	}
	if len(kvs) == 0 {
		return 0, nil
	}
	return keys.ParseLogEntryKey(l.table, kvs[0].Key)
}

// Read returns up to limit entries with seq > after in seq order. limit <= 0
// reads everything retained.
func (l *Log) Read(ctx context.Context, after uint64, limit int) ([]*Entry, error) {
	kvs, err := l.meta.List(ctx, keys.LogPrefix(l.table), "", 0)
	if err != nil {
		return nil, fmt.Errorf("replication: read log %s: %w", l.table, err)
	}
	var out []*Entry
	for _, kv := range kvs {
		seq, err := keys.ParseLogEntryKey(l.table, kv.Key)
		if err != nil || seq <= after {
			continue
		}
		e, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		e.Seq = seq
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Observe yields every entry after the given seq, then keeps waiting for new
// ones until ctx is done. Store notifications wake it early; poll bounds
// the wait when notifications are unavailable or dropped. Read errors are
// yielded and observation continues from the last yielded entry.
func (l *Log) Observe(ctx context.Context, after uint64, poll time.Duration) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		wake := make(chan struct{}, 1)
		if stream, err := l.meta.Notifications(ctx); err == nil {
			defer stream.Close()
			go func() {
				prefix := keys.LogPrefix(l.table)
				for {
					n, err := stream.Next(ctx)
					if err != nil {
						return
					}
					if strings.HasPrefix(n.Key, prefix) && !n.Deleted {
						select {
						case wake <- struct{}{}:
						default:
						}
					}
				}
			}()
		}

		timer := time.NewTimer(poll)
		defer timer.Stop()
		for {
			entries, err := l.Read(ctx, after, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(nil, err) {
					return
				}
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}

			timer.Reset(poll)
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-timer.C:
			}
		}
	}
}

// StagePutResult records r unless a result for its seq exists. It returns
// the result already recorded, or nil when r was staged.
func (l *Log) StagePutResult(txn metadata.Txn, r *Result) (*Result, error) {
	key := keys.ResultKey(l.table, r.Seq)
	data, _, err := txn.Get(key)
	if err == nil {
		var existing Result
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, fmt.Errorf("replication: decode result %d: %w", r.Seq, err)
		}
		return &existing, nil
	}
	if !errors.Is(err, metadata.ErrKeyNotFound) {
		return nil, err
	}
	data, err = json.Marshal(r)
	if err != nil {
		return nil, err
	}
	txn.Put(key, data)
	return nil, nil
}

// Result returns the recorded result of the entry at seq.
func (l *Log) Result(ctx context.Context, seq uint64) (*Result, bool, error) {
	res, err := l.meta.Get(ctx, keys.ResultKey(l.table, seq))
	if err != nil {
		return nil, false, err
	}
	if !res.Exists {
		return nil, false, nil
	}
	var r Result
	if err := json.Unmarshal(res.Value, &r); err != nil {
		return nil, false, fmt.Errorf("replication: decode result %d: %w", seq, err)
	}
	return &r, true, nil
}

// Trim deletes entries and results with seq <= upTo and returns how many
// entries it removed. The head is kept so seqs are never reused.
func (l *Log) Trim(ctx context.Context, upTo uint64) (int, error) {
	trimmed := 0
	kvs, err := l.meta.List(ctx, keys.LogPrefix(l.table), "", 0)
	if err != nil {
		return 0, err
	}
	for _, kv := range kvs {
		seq, err := keys.ParseLogEntryKey(l.table, kv.Key)
		if err != nil || seq > upTo {
			continue
		}
		if err := l.meta.Delete(ctx, kv.Key); err != nil {
			return trimmed, err
		}
		trimmed++
	}

	kvs, err = l.meta.List(ctx, keys.ResultsPrefix(l.table), "", 0)
	if err != nil {
		return trimmed, err
	}
	for _, kv := range kvs {
		seq, err := keys.ParseResultKey(l.table, kv.Key)
		if err != nil || seq > upTo {
			continue
		}
		if err := l.meta.Delete(ctx, kv.Key); err != nil {
			return trimmed, err
		}
	}
	return trimmed, nil
}

// RunTxn runs fn in a transaction on the table scope, retrying conflicts.
func RunTxn(ctx context.Context, meta metadata.MetadataStore, table string, fn func(metadata.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = meta.Txn(ctx, keys.TableScope(table), fn)
		if !errors.Is(err, metadata.ErrTxnConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func readSeq(txn metadata.Txn, key string) (uint64, error) {
	data, _, err := txn.Get(key)
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}
