package oxia

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/ttlmerge/internal/metadata"
)

// transaction buffers writes and commits them as one shard write batch.
//
// Oxia applies a batch atomically per operation, not as a whole, so every
// operation carries the version observed before commit. If any operation is
// rejected the ones that were applied are reverted to their observed state
// and the commit reports metadata.ErrTxnConflict.
type transaction struct {
	ctx   context.Context
	store *Store
	scope string

	observed map[string]observation
	writes   []pendingWrite
}

type observation struct {
	value   []byte
	version metadata.Version
	exists  bool
}

type pendingWrite struct {
	key      string
	value    []byte
	delete   bool
	expected *metadata.Version
}

// appliedWrite pairs a submitted write with what it replaced.
type appliedWrite struct {
	pendingWrite
	before observation
	index  int
}

func newTransaction(ctx context.Context, s *Store, scope string) *transaction {
	return &transaction{ctx: ctx, store: s, scope: scope, observed: make(map[string]observation)}
}

func (t *transaction) Get(key string) ([]byte, metadata.Version, error) {
	obs, err := t.observe(key)
	if err != nil {
		return nil, 0, err
	}
	if !obs.exists {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return obs.value, obs.version, nil
}

func (t *transaction) Put(key string, value []byte) {
	t.writes = append(t.writes, pendingWrite{key: key, value: value})
}

func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.writes = append(t.writes, pendingWrite{key: key, value: value, expected: &expectedVersion})
}

func (t *transaction) Delete(key string) {
	t.writes = append(t.writes, pendingWrite{key: key, delete: true})
}

func (t *transaction) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.writes = append(t.writes, pendingWrite{key: key, delete: true, expected: &expectedVersion})
}

func (t *transaction) observe(key string) (observation, error) {
	if obs, ok := t.observed[key]; ok {
		return obs, nil
	}
	_, value, version, err := t.store.client.Get(t.ctx, key, oxiaclient.PartitionKey(t.scope))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			t.observed[key] = observation{}
			return observation{}, nil
		}
		return observation{}, fmt.Errorf("oxia: txn read %s: %w", key, err)
	}
	obs := observation{value: value, version: toMetadataVersion(version.VersionId), exists: true}
	t.observed[key] = obs
	return obs, nil
}

// guard is the Oxia expected version id for w given what was observed.
func guard(w pendingWrite, obs observation) int64 {
	switch {
	case w.expected != nil && *w.expected == 0:
		return oxiaclient.VersionIdNotExists
	case w.expected != nil:
		return toOxiaVersion(*w.expected)
	case obs.exists:
		return toOxiaVersion(obs.version)
	default:
		return oxiaclient.VersionIdNotExists
	}
}

func (t *transaction) commit() error {
	if len(t.writes) == 0 {
		return nil
	}
	shard, err := t.store.router.shardFor(t.scope)
	if err != nil {
		return fmt.Errorf("oxia: txn shard lookup: %w", err)
	}

	pk := t.scope
	req := &proto.WriteRequest{}
	var puts, deletes []appliedWrite
	for _, w := range t.writes {
		obs, err := t.observe(w.key)
		if err != nil {
			return err
		}
		expected := guard(w, obs)
		if w.delete {
			if !obs.exists && w.expected == nil {
				continue
			}
			req.Deletes = append(req.Deletes, &proto.DeleteRequest{Key: w.key, ExpectedVersionId: &expected})
			deletes = append(deletes, appliedWrite{pendingWrite: w, before: obs, index: len(req.Deletes) - 1})
			continue
		}
		req.Puts = append(req.Puts, &proto.PutRequest{
			Key:               w.key,
			Value:             w.value,
			ExpectedVersionId: &expected,
			PartitionKey:      &pk,
		})
		puts = append(puts, appliedWrite{pendingWrite: w, before: obs, index: len(req.Puts) - 1})
	}
	if len(req.Puts) == 0 && len(req.Deletes) == 0 {
		return nil
	}

	resp, err := t.store.router.write(t.ctx, shard, req)
	if err != nil {
		return fmt.Errorf("oxia: txn commit: %w", err)
	}
	if len(resp.Puts) != len(req.Puts) || len(resp.Deletes) != len(req.Deletes) {
		return errors.New("oxia: txn commit response does not match request")
	}

	undo, conflict, err := revertBatch(resp, puts, deletes, pk)
	if err != nil || !conflict {
		return err
	}
	if undo != nil {
		if _, err := t.store.router.write(t.ctx, shard, undo); err != nil {
			return fmt.Errorf("%w: revert failed: %v", metadata.ErrTxnConflict, err)
		}
	}
	return metadata.ErrTxnConflict
}

// revertBatch inspects a batch response. When any write was rejected it
// returns a batch restoring every write that did apply.
func revertBatch(resp *proto.WriteResponse, puts, deletes []appliedWrite, pk string) (*proto.WriteRequest, bool, error) {
	conflict := false
	for _, p := range puts {
		if resp.Puts[p.index].Status != proto.Status_OK {
			conflict = true
		}
	}
	for _, d := range deletes {
		if resp.Deletes[d.index].Status != proto.Status_OK {
			conflict = true
		}
	}
	if !conflict {
		return nil, false, nil
	}

	undo := &proto.WriteRequest{}
	for _, p := range puts {
		pr := resp.Puts[p.index]
		if pr.Status != proto.Status_OK {
			continue
		}
		if pr.Version == nil {
			return nil, true, errors.New("oxia: txn commit returned no version")
		}
		current := pr.Version.VersionId
		if p.before.exists {
			undo.Puts = append(undo.Puts, &proto.PutRequest{
				Key:               p.key,
				Value:             p.before.value,
				ExpectedVersionId: &current,
				PartitionKey:      &pk,
			})
		} else {
			undo.Deletes = append(undo.Deletes, &proto.DeleteRequest{Key: p.key, ExpectedVersionId: &current})
		}
	}
	for _, d := range deletes {
		if resp.Deletes[d.index].Status != proto.Status_OK || !d.before.exists {
			continue
		}
		absent := oxiaclient.VersionIdNotExists
		undo.Puts = append(undo.Puts, &proto.PutRequest{
			Key:               d.key,
			Value:             d.before.value,
			ExpectedVersionId: &absent,
			PartitionKey:      &pk,
		})
	}
	if len(undo.Puts) == 0 && len(undo.Deletes) == 0 {
		return nil, true, nil
	}
	return undo, true, nil
}
