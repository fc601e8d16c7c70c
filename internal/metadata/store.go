// Package metadata defines the coordination store used by replicas to share
// table metadata, the replication log, leases and acknowledgements.
//
// The store is a versioned key-value space with compare-and-set writes,
// ordered range scans, atomic multi-key transactions scoped to one routing
// key, session-bound ephemeral keys and change notifications. The
// production implementation lives in metadata/oxia; MockStore backs tests.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when a conditional write finds a
	// different version than expected.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrTxnConflict is returned when a transaction lost a race with a
	// concurrent writer. Callers retry.
	ErrTxnConflict = errors.New("metadata: transaction conflict")

	// ErrSessionExpired is returned when the session owning ephemeral keys
	// is gone.
	ErrSessionExpired = errors.New("metadata: session expired")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a key's modification version. Version 0 means the key does not
// exist, so WithExpectedVersion(0) is a create-if-absent.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV is a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification describes one key change.
type Notification struct {
	Key     string
	Value   []byte
	Version Version
	Deleted bool
}

// NotificationStream delivers changes made after the stream was opened.
type NotificationStream interface {
	// Next blocks until a notification arrives or ctx is done.
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put fail with ErrVersionMismatch unless the key
// is currently at version v.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete fail with ErrVersionMismatch unless
// the key is currently at version v.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion returns the expected version carried by opts, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// ExtractDeleteExpectedVersion returns the expected version carried by opts, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists makes PutEphemeral fail with
// ErrVersionMismatch if the key exists. Used to take a lease.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion makes PutEphemeral fail with
// ErrVersionMismatch unless the key is at version v. Used to renew a lease.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions unpacks opts.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// Txn is an atomic batch of reads and writes. Writes are buffered and applied
// together on commit; version checks are evaluated at commit time.
//
//	err := store.Txn(ctx, keys.TableScope(table), func(txn metadata.Txn) error {
//	    txn.Put(keys.ReplicaPartKey(table, replica, newPart), meta)
//	    for _, src := range sources {
//	        txn.Delete(keys.ReplicaPartKey(table, replica, src))
//	    }
//	    txn.Put(keys.ReplicaPointerKey(table, replica), encodeSeq(seq))
//	    return nil
//	})
type Txn interface {
	// Get returns ErrKeyNotFound if key does not exist.
	Get(key string) (value []byte, version Version, err error)
	Put(key string, value []byte)
	PutWithVersion(key string, value []byte, expectedVersion Version)
	Delete(key string)
	DeleteWithVersion(key string, expectedVersion Version)
}

// MetadataStore is the distributed coordination capability.
type MetadataStore interface {
	// Get returns Exists=false for a missing key; that is not an error.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes value and returns the new version.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order, or all
	// keys with prefix startKey when endKey is empty. limit <= 0 means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Txn runs fn and commits its writes atomically. All keys must share
	// the routing scope of scopeKey. Returns ErrTxnConflict on a lost race.
	Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error

	// Notifications subscribes to changes in the namespace.
	Notifications(ctx context.Context) (NotificationStream, error)

	// PutEphemeral writes a key bound to this client's session; it is
	// removed when the session ends.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	Close() error
}
