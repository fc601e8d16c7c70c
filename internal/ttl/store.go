package ttl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
	"github.com/dray-io/ttlmerge/internal/table"
)

// ErrVersionNotFound is returned for a rule set version that was never defined.
var ErrVersionNotFound = errors.New("ttl: rule set version not found")

// Store keeps versioned rule sets in the coordination store.
type Store struct {
	meta   metadata.MetadataStore
	tables *table.Store
	ev     *expr.Evaluator
	now    func() time.Time
}

// NewStore creates a rule store.
func NewStore(meta metadata.MetadataStore, tables *table.Store, ev *expr.Evaluator) *Store {
	return &Store{meta: meta, tables: tables, ev: ev, now: time.Now}
}

// Define validates rules against the table and stores them as the next
// version. A rejected rule set leaves the current version untouched.
func (s *Store) Define(ctx context.Context, tableName string, rules RuleSet) (Version, error) {
	def, err := s.tables.Get(ctx, tableName)
	if err != nil {
		return 0, err
	}
	if err := rules.Validate(def, s.ev); err != nil {
		return 0, err
	}

	for {
		current, version, err := s.current(ctx, tableName)
		if err != nil {
			return 0, err
		}
		next := &Snapshot{
			Version:   current.Version + 1,
			Rules:     rules,
			DefinedAt: s.now().UTC(),
		}
		data, err := json.Marshal(next)
		if err != nil {
			return 0, fmt.Errorf("ttl: marshal rule set: %w", err)
		}

		err = s.meta.Txn(ctx, keys.TableScope(tableName), func(txn metadata.Txn) error {
			txn.PutWithVersion(keys.RulesCurrentKey(tableName), data, version)
			txn.Put(keys.RulesVersionKey(tableName, uint64(next.Version)), data)
			return nil
		})
		if errors.Is(err, metadata.ErrTxnConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return next.Version, nil
	}
}

// Resolve returns the current snapshot. Tables without rules resolve to an
// empty snapshot at version 0.
func (s *Store) Resolve(ctx context.Context, tableName string) (*Snapshot, error) {
	snap, _, err := s.current(ctx, tableName)
	return snap, err
}

// Get returns the snapshot of a specific version.
func (s *Store) Get(ctx context.Context, tableName string, version Version) (*Snapshot, error) {
	if version == 0 {
		return &Snapshot{}, nil
	}
	res, err := s.meta.Get(ctx, keys.RulesVersionKey(tableName, uint64(version)))
	if err != nil {
		return nil, err
	}
	if !res.Exists {
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, tableName, version)
	}
	return decodeSnapshot(res.Value)
}

func (s *Store) current(ctx context.Context, tableName string) (*Snapshot, metadata.Version, error) {
	res, err := s.meta.Get(ctx, keys.RulesCurrentKey(tableName))
	if err != nil {
		return nil, 0, err
	}
	if !res.Exists {
		return &Snapshot{}, 0, nil
	}
	snap, err := decodeSnapshot(res.Value)
	if err != nil {
		return nil, 0, err
	}
	return snap, res.Version, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("ttl: unmarshal rule set: %w", err)
	}
	return &snap, nil
}
