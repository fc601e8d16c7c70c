package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
	"github.com/dray-io/ttlmerge/internal/part"
)

// Store persists table definitions in the coordination store.
type Store struct {
	meta metadata.MetadataStore
	ev   *expr.Evaluator
}

// NewStore creates a table store.
func NewStore(meta metadata.MetadataStore, ev *expr.Evaluator) *Store {
	return &Store{meta: meta, ev: ev}
}

// Create validates and stores a new table at schema version 1.
func (s *Store) Create(ctx context.Context, def Definition) (*Definition, error) {
	d := def.Clone()
	d.SchemaVersion = 1
	if err := d.Validate(s.ev); err != nil {
		return nil, err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("table: marshal definition: %w", err)
	}

	defKey := keys.TableDefinitionKey(d.Name)
	err = s.meta.Txn(ctx, defKey, func(txn metadata.Txn) error {
		_, _, err := txn.Get(defKey)
		if err == nil {
			return ErrTableExists
		}
		if !errors.Is(err, metadata.ErrKeyNotFound) {
			return err
		}
		txn.Put(defKey, data)
		txn.Put(keys.SchemaVersionKey(d.Name, d.SchemaVersion), data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The index lives outside the table scope, so it cannot join the txn.
	if _, err := s.meta.Put(ctx, keys.TableIndexKey(d.Name), []byte(d.Name)); err != nil {
		return nil, fmt.Errorf("table: index %q: %w", d.Name, err)
	}
	return d, nil
}

// Get returns the current definition.
func (s *Store) Get(ctx context.Context, name string) (*Definition, error) {
	d, _, err := s.get(ctx, name)
	return d, err
}

func (s *Store) get(ctx context.Context, name string) (*Definition, metadata.Version, error) {
	res, err := s.meta.Get(ctx, keys.TableDefinitionKey(name))
	if err != nil {
		return nil, 0, err
	}
	if !res.Exists {
		return nil, 0, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	var d Definition
	if err := json.Unmarshal(res.Value, &d); err != nil {
		return nil, 0, fmt.Errorf("table: unmarshal %q: %w", name, err)
	}
	return &d, res.Version, nil
}

// SchemaVersion returns a historical definition.
func (s *Store) SchemaVersion(ctx context.Context, name string, version uint64) (*Definition, error) {
	res, err := s.meta.Get(ctx, keys.SchemaVersionKey(name, version))
	if err != nil {
		return nil, err
	}
	if !res.Exists {
		return nil, fmt.Errorf("%w: %q schema version %d", ErrTableNotFound, name, version)
	}
	var d Definition
	if err := json.Unmarshal(res.Value, &d); err != nil {
		return nil, fmt.Errorf("table: unmarshal %q v%d: %w", name, version, err)
	}
	return &d, nil
}

// AddColumn appends a column and bumps the schema version. Existing parts
// are not rewritten; their rows gain the column's default when read.
func (s *Store) AddColumn(ctx context.Context, name string, col part.Column) (*Definition, error) {
	for {
		d, version, err := s.get(ctx, name)
		if err != nil {
			return nil, err
		}
		if d.ColumnIndex(col.Name) >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnExists, col.Name)
		}
		next := d.Clone()
		next.Columns = append(next.Columns, col)
		next.SchemaVersion++
		if err := next.Validate(s.ev); err != nil {
			return nil, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("table: marshal definition: %w", err)
		}

		err = s.meta.Txn(ctx, keys.TableScope(name), func(txn metadata.Txn) error {
			txn.PutWithVersion(keys.TableDefinitionKey(name), data, version)
			txn.Put(keys.SchemaVersionKey(name, next.SchemaVersion), data)
			return nil
		})
		if errors.Is(err, metadata.ErrTxnConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
}

// List returns all table names in order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	kvs, err := s.meta.List(ctx, keys.TableIndexPrefix, "", 0)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		names = append(names, strings.TrimPrefix(kv.Key, keys.TableIndexPrefix))
	}
	return names, nil
}
