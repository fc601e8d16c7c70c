// Package colstore is a replica's column store: part archives in object
// storage under the replica's own prefix, part registrations in the
// coordination store, and an LRU cache of decoded rows.
package colstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
	"github.com/dray-io/ttlmerge/internal/objectstore"
	"github.com/dray-io/ttlmerge/internal/part"
)

const contentType = "application/vnd.ttlmerge.part"

var (
	// ErrPartNotFound is returned when a part is not registered or its
	// bytes are gone.
	ErrPartNotFound = errors.New("colstore: part not found")

	// ErrChecksumMismatch is returned when imported bytes do not match the
	// expected logical checksum.
	ErrChecksumMismatch = errors.New("colstore: checksum mismatch")
)

// Config configures a Store.
type Config struct {
	Replica   string
	Codec     part.Codec
	CacheSize int
	Logger    *logging.Logger
}

// Store is the column store of one replica.
type Store struct {
	meta    metadata.MetadataStore
	objects objectstore.Store
	replica string
	codec   part.Codec
	cache   *lru.Cache[string, []part.Row]
	logger  *logging.Logger
}

// New creates a column store.
func New(meta metadata.MetadataStore, objects objectstore.Store, cfg Config) *Store {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, []part.Row](size)
	return &Store{
		meta:    meta,
		objects: objects,
		replica: cfg.Replica,
		codec:   cfg.Codec,
		cache:   cache,
		logger:  logging.OrGlobal(cfg.Logger),
	}
}

// Replica returns the replica this store belongs to.
func (s *Store) Replica() string { return s.replica }

// ObjectKey is where replica keeps the archive of a part.
func ObjectKey(replica, table, name string) string {
	return fmt.Sprintf("replicas/%s/%s/%s.part", replica, table, name)
}

func cacheKey(table, name string) string { return table + "/" + name }

// WritePart encodes rows and stores the archive. It fills in Rows, Bytes
// and Checksum of m; registration is up to the caller.
func (s *Store) WritePart(ctx context.Context, table string, m *part.Meta, rows []part.Row) error {
	data, err := part.EncodeArchive(rows, s.codec)
	if err != nil {
		return err
	}
	key := ObjectKey(s.replica, table, m.Name)
	if err := objectstore.PutBytes(ctx, s.objects, key, data, contentType); err != nil {
		return fmt.Errorf("colstore: write %s: %w", key, err)
	}
	m.Rows = len(rows)
	m.Bytes = int64(len(data))
	m.Checksum = part.Checksum(rows)
	s.cache.Add(cacheKey(table, m.Name), rows)
	return nil
}

// ReadPart returns the rows of a local part. Callers must not modify them.
func (s *Store) ReadPart(ctx context.Context, table, name string) ([]part.Row, error) {
	if rows, ok := s.cache.Get(cacheKey(table, name)); ok {
		return rows, nil
	}
	data, err := objectstore.GetBytes(ctx, s.objects, ObjectKey(s.replica, table, name))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPartNotFound, table, name)
	}
	if err != nil {
		return nil, err
	}
	rows, err := part.DecodeArchive(data)
	if err != nil {
		return nil, fmt.Errorf("colstore: %s/%s: %w", table, name, err)
	}
	s.cache.Add(cacheKey(table, name), rows)
	return rows, nil
}

// FetchFrom copies a part archive from peer into this replica's storage and
// verifies it against the expected checksum. It returns the decoded rows
// and the archive size.
func (s *Store) FetchFrom(ctx context.Context, peer, table, name string, checksum uint64) ([]part.Row, int, error) {
	data, err := objectstore.GetBytes(ctx, s.objects, ObjectKey(peer, table, name))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s/%s on %s", ErrPartNotFound, table, name, peer)
	}
	if err != nil {
		return nil, 0, err
	}
	rows, err := part.DecodeArchive(data)
	if err != nil {
		return nil, 0, fmt.Errorf("colstore: fetch %s/%s from %s: %w", table, name, peer, err)
	}
	if got := part.Checksum(rows); got != checksum {
		return nil, 0, fmt.Errorf("%w: %s/%s from %s: got %016x, want %016x", ErrChecksumMismatch, table, name, peer, got, checksum)
	}
	key := ObjectKey(s.replica, table, name)
	if err := objectstore.PutBytes(ctx, s.objects, key, data, contentType); err != nil {
		return nil, 0, fmt.Errorf("colstore: write %s: %w", key, err)
	}
	s.cache.Add(cacheKey(table, name), rows)
	return rows, len(data), nil
}

// StageRegister adds the registration of m to txn.
func (s *Store) StageRegister(txn metadata.Txn, table string, m *part.Meta) error {
	data, err := part.EncodeMeta(m)
	if err != nil {
		return err
	}
	txn.Put(keys.ReplicaPartKey(table, s.replica, m.Name), data)
	return nil
}

// StageDeactivate marks m superseded by seq in txn.
func (s *Store) StageDeactivate(txn metadata.Txn, table string, m *part.Meta, seq uint64, now time.Time) error {
	c := *m
	c.Deactivate(seq, now)
	return s.StageRegister(txn, table, &c)
}

// Register stores a part registration outside a transaction.
func (s *Store) Register(ctx context.Context, table string, m *part.Meta) error {
	data, err := part.EncodeMeta(m)
	if err != nil {
		return err
	}
	_, err = s.meta.Put(ctx, keys.ReplicaPartKey(table, s.replica, m.Name), data)
	return err
}

// MarkInactive marks a local part superseded by the log entry at seq.
func (s *Store) MarkInactive(ctx context.Context, table, name string, seq uint64, now time.Time) error {
	key := keys.ReplicaPartKey(table, s.replica, name)
	res, err := s.meta.Get(ctx, key)
	if err != nil {
		return err
	}
	if !res.Exists {
		return fmt.Errorf("%w: %s/%s", ErrPartNotFound, table, name)
	}
	m, err := part.DecodeMeta(res.Value)
	if err != nil {
		return err
	}
	if !m.Active {
		return nil
	}
	m.Deactivate(seq, now)
	data, err := part.EncodeMeta(m)
	if err != nil {
		return err
	}
	_, err = s.meta.Put(ctx, key, data, metadata.WithExpectedVersion(res.Version))
	return err
}

// DeletePhysical removes a part's bytes, then its registration. Deletion
// is irreversible.
func (s *Store) DeletePhysical(ctx context.Context, table, name string) error {
	key := ObjectKey(s.replica, table, name)
	if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return fmt.Errorf("colstore: delete %s: %w", key, err)
	}
	s.cache.Remove(cacheKey(table, name))
	if err := s.meta.Delete(ctx, keys.ReplicaPartKey(table, s.replica, name)); err != nil {
		return err
	}
	s.logger.Infof("part deleted", map[string]any{
		"table":   table,
		"replica": s.replica,
		"part":    name,
	})
	return nil
}

// Parts lists the parts registered on this replica, active or not, in name
// order.
func (s *Store) Parts(ctx context.Context, table string) ([]*part.Meta, error) {
	return ListReplicaParts(ctx, s.meta, table, s.replica)
}

// ActiveParts lists the active parts of this replica.
func (s *Store) ActiveParts(ctx context.Context, table string) ([]*part.Meta, error) {
	all, err := s.Parts(ctx, table)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, m := range all {
		if m.Active {
			active = append(active, m)
		}
	}
	return active, nil
}

// Lookup returns the registration of a part on any replica.
func Lookup(ctx context.Context, meta metadata.MetadataStore, table, replica, name string) (*part.Meta, bool, error) {
	res, err := meta.Get(ctx, keys.ReplicaPartKey(table, replica, name))
	if err != nil {
		return nil, false, err
	}
	if !res.Exists {
		return nil, false, nil
	}
	m, err := part.DecodeMeta(res.Value)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// ListReplicaParts lists the registrations of replica.
func ListReplicaParts(ctx context.Context, meta metadata.MetadataStore, table, replica string) ([]*part.Meta, error) {
	kvs, err := meta.List(ctx, keys.ReplicaPartsPrefix(table, replica), "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]*part.Meta, 0, len(kvs))
	for _, kv := range kvs {
		m, err := part.DecodeMeta(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
