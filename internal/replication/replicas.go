package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
)

// Host is the ephemeral registration of a live replica of a table.
type Host struct {
	Replica   string    `json:"replica"`
	Zone      string    `json:"zone,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Pointer is the highest log seq a replica has applied along with every
// entry before it.
type Pointer struct {
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Register announces replica as a live member of table and creates its
// acknowledgement pointer at start if it has none. It returns the pointer.
func Register(ctx context.Context, meta metadata.MetadataStore, table string, host Host, start uint64) (uint64, error) {
	data, err := json.Marshal(host)
	if err != nil {
		return 0, err
	}
	if _, err := meta.PutEphemeral(ctx, keys.ReplicaHostKey(table, host.Replica), data); err != nil {
		return 0, fmt.Errorf("replication: register %s: %w", host.Replica, err)
	}

	ptr, err := json.Marshal(Pointer{Seq: start, UpdatedAt: host.StartedAt})
	if err != nil {
		return 0, err
	}
	_, err = meta.Put(ctx, keys.ReplicaPointerKey(table, host.Replica), ptr, metadata.WithExpectedVersion(0))
	if err == nil {
		return start, nil
	}
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		return 0, fmt.Errorf("replication: create pointer of %s: %w", host.Replica, err)
	}
	p, _, err := ReadPointer(ctx, meta, table, host.Replica)
	return p.Seq, err
}

// ReadPointer returns the pointer of replica.
func ReadPointer(ctx context.Context, meta metadata.MetadataStore, table, replica string) (Pointer, bool, error) {
	res, err := meta.Get(ctx, keys.ReplicaPointerKey(table, replica))
	if err != nil || !res.Exists {
		return Pointer{}, false, err
	}
	p, err := decodePointer(res.Value)
	return p, err == nil, err
}

// Pointers returns the pointers of every replica that ever joined table,
// live or not.
func Pointers(ctx context.Context, meta metadata.MetadataStore, table string) (map[string]uint64, error) {
	kvs, err := meta.List(ctx, keys.ReplicaPointersPrefix(table), "", 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(kvs))
	for _, kv := range kvs {
		p, err := decodePointer(kv.Value)
		if err != nil {
			return nil, err
		}
		out[keys.LastSegment(kv.Key)] = p.Seq
	}
	return out, nil
}

// Members returns the replicas that ever joined table in name order.
func Members(ctx context.Context, meta metadata.MetadataStore, table string) ([]string, error) {
	ptrs, err := Pointers(ctx, meta, table)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ptrs))
	for r := range ptrs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

// LiveHosts returns the registrations of live replicas.
func LiveHosts(ctx context.Context, meta metadata.MetadataStore, table string) ([]Host, error) {
	kvs, err := meta.List(ctx, keys.ReplicaHostsPrefix(table), "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]Host, 0, len(kvs))
	for _, kv := range kvs {
		var h Host
		if err := json.Unmarshal(kv.Value, &h); err != nil {
			return nil, fmt.Errorf("replication: decode host: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// StageAdvancePointer moves the pointer of replica to seq in txn. A pointer
// never moves backwards.
func StageAdvancePointer(txn metadata.Txn, table, replica string, seq uint64, now time.Time) error {
	key := keys.ReplicaPointerKey(table, replica)
	data, _, err := txn.Get(key)
	switch {
	case errors.Is(err, metadata.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		cur, err := decodePointer(data)
		if err != nil {
			return err
		}
		if cur.Seq >= seq {
			return nil
		}
	}
	data, err = json.Marshal(Pointer{Seq: seq, UpdatedAt: now.UTC()})
	if err != nil {
		return err
	}
	txn.Put(key, data)
	return nil
}

func decodePointer(data []byte) (Pointer, error) {
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, fmt.Errorf("replication: decode pointer: %w", err)
	}
	return p, nil
}
