package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/metadata/keys"
)

// Config configures the Oxia store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace isolates one deployment's keys.
	Namespace string

	// RequestTimeout bounds single requests. Default: 30s.
	RequestTimeout time.Duration

	// SessionTimeout bounds how long ephemeral keys (leases, replica
	// registrations) outlive a silent client. Default: 15s.
	SessionTimeout time.Duration

	// Scope maps a key to its partition key. Defaults to keys.ScopeOf.
	Scope func(key string) string
}

// Store implements metadata.MetadataStore using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	router *shardRouter
	scope  func(string) string

	mu     sync.RWMutex
	closed bool
}

// New connects to Oxia and waits for the shard assignments needed by Txn.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}
	if cfg.Scope == nil {
		cfg.Scope = keys.ScopeOf
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	router, err := newShardRouter(ctx, cfg)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("oxia: failed to load shard assignments: %w", err)
	}

	return &Store{client: client, router: router, scope: cfg.Scope}, nil
}

func toMetadataVersion(oxiaVersion int64) metadata.Version {
	return metadata.Version(oxiaVersion + 1)
}

func toOxiaVersion(v metadata.Version) int64 {
	return int64(v - 1)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

// partitionOpt returns the partition-key option for key, or nil when the
// key is not scoped.
func (s *Store) partitionOpt(key string) (string, bool) {
	scope := s.scope(key)
	return scope, scope != ""
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}

	var opts []oxiaclient.GetOption
	if pk, ok := s.partitionOpt(key); ok {
		opts = append(opts, oxiaclient.PartitionKey(pk))
	}
	_, value, version, err := s.client.Get(ctx, key, opts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{}, nil
		}
		return metadata.GetResult{}, fmt.Errorf("oxia: get %s: %w", key, err)
	}
	return metadata.GetResult{
		Value:   value,
		Version: toMetadataVersion(version.VersionId),
		Exists:  true,
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var oxiaOpts []oxiaclient.PutOption
	if pk, ok := s.partitionOpt(key); ok {
		oxiaOpts = append(oxiaOpts, oxiaclient.PartitionKey(pk))
	}
	if expected := metadata.ExtractExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, expectation(*expected))
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put %s: %w", key, err)
	}
	return toMetadataVersion(version.VersionId), nil
}

func expectation(v metadata.Version) oxiaclient.PutOption {
	if v == 0 {
		return oxiaclient.ExpectedRecordNotExists()
	}
	return oxiaclient.ExpectedVersionId(toOxiaVersion(v))
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var oxiaOpts []oxiaclient.DeleteOption
	if pk, ok := s.partitionOpt(key); ok {
		oxiaOpts = append(oxiaOpts, oxiaclient.PartitionKey(pk))
	}
	if expected := metadata.ExtractDeleteExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
	}

	err := s.client.Delete(ctx, key, oxiaOpts...)
	switch {
	case err == nil, errors.Is(err, oxiaclient.ErrKeyNotFound):
		return nil
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return metadata.ErrVersionMismatch
	default:
		return fmt.Errorf("oxia: delete %s: %w", key, err)
	}
}

// List scans [startKey, endKey). With an empty endKey a prefix ending in
// '/' lists its direct children (Oxia's hierarchical order) and any other
// prefix lists everything sharing it.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	var opts []oxiaclient.RangeScanOption
	if pk, ok := s.partitionOpt(startKey); ok {
		opts = append(opts, oxiaclient.PartitionKey(pk))
	}
	results := s.client.RangeScan(ctx, startKey, endKey, opts...)

	var kvs []metadata.KV
	for result := range results {
		if result.Err != nil {
			go drain(results)
			return nil, fmt.Errorf("oxia: list %s: %w", startKey, result.Err)
		}
		kvs = append(kvs, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toMetadataVersion(result.Version.VersionId),
		})
		if limit > 0 && len(kvs) >= limit {
			go drain(results)
			break
		}
	}
	return kvs, nil
}

func (s *Store) Txn(ctx context.Context, scopeKey string, fn func(metadata.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	scope := s.scope(scopeKey)
	if scope == "" {
		scope = scopeKey
	}
	txn := newTransaction(ctx, s, scope)
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

func (s *Store) Notifications(ctx context.Context) (metadata.NotificationStream, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, fmt.Errorf("oxia: subscribe notifications: %w", err)
	}
	return &notificationStream{notifications: n, ctx: ctx}, nil
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	if pk, ok := s.partitionOpt(key); ok {
		oxiaOpts = append(oxiaOpts, oxiaclient.PartitionKey(pk))
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	switch {
	case expectNotExists:
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
	case expected != nil:
		oxiaOpts = append(oxiaOpts, expectation(*expected))
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put ephemeral %s: %w", key, err)
	}
	return toMetadataVersion(version.VersionId), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.router.Close(), s.client.Close())
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drain(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ metadata.MetadataStore = (*Store)(nil)
