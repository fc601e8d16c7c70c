package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory MetadataStore for tests in any package.
//
// Several replicas can share one backing keyspace through NewSession; each
// session owns its own ephemeral keys, and ExpireSession simulates a crash
// by dropping them. Writes are fanned out to open notification streams.
type MockStore struct {
	b       *mockBackend
	session uint64

	mu      sync.Mutex
	closed  bool
	expired bool
}

type mockEntry struct {
	kv    KV
	owner uint64
}

type mockBackend struct {
	mu          sync.Mutex
	data        map[string]mockEntry
	nextVer     Version
	nextSession uint64
	streams     map[*mockStream]struct{}
	txnCalls    int
	failHook    func(op, key string) error
}

// NewMockStore creates an empty store with a fresh session.
func NewMockStore() *MockStore {
	b := &mockBackend{
		data:        make(map[string]mockEntry),
		nextVer:     1,
		nextSession: 1,
		streams:     make(map[*mockStream]struct{}),
	}
	return &MockStore{b: b, session: b.newSession()}
}

func (b *mockBackend) newSession() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSession
	b.nextSession++
	return id
}

// NewSession returns a store view over the same keyspace with its own
// ephemeral session, as a second client process would have.
func (m *MockStore) NewSession() *MockStore {
	return &MockStore{b: m.b, session: m.b.newSession()}
}

// ExpireSession deletes every ephemeral key owned by this view. Later
// PutEphemeral calls on this view fail with ErrSessionExpired.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	m.expired = true
	m.mu.Unlock()

	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	for k, e := range m.b.data {
		if e.owner == m.session {
			delete(m.b.data, k)
			m.b.notifyLocked(Notification{Key: k, Deleted: true})
		}
	}
}

// SetFailureHook installs fn to inject errors. fn is called with the
// operation name ("get", "put", "delete", "list", "txn", "ephemeral") and
// key; a non-nil return fails the operation. Pass nil to clear.
func (m *MockStore) SetFailureHook(fn func(op, key string) error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	m.b.failHook = fn
}

// TxnCallCount returns how many transactions were started.
func (m *MockStore) TxnCallCount() int {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	return m.b.txnCalls
}

func (m *MockStore) check(op, key string) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}
	m.b.mu.Lock()
	hook := m.b.failHook
	m.b.mu.Unlock()
	if hook != nil {
		return hook(op, key)
	}
	return nil
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	if err := m.check("get", key); err != nil {
		return GetResult{}, err
	}
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	e, ok := m.b.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: e.kv.Value, Version: e.kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	if err := m.check("put", key); err != nil {
		return 0, err
	}
	expected := ExtractExpectedVersion(opts)

	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if !m.b.versionMatchesLocked(key, expected) {
		return 0, ErrVersionMismatch
	}
	return m.b.writeLocked(key, value, 0), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	if err := m.check("delete", key); err != nil {
		return err
	}
	expected := ExtractDeleteExpectedVersion(opts)

	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	e, ok := m.b.data[key]
	if !ok {
		return nil
	}
	if expected != nil && e.kv.Version != *expected {
		return ErrVersionMismatch
	}
	m.b.deleteLocked(key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	if err := m.check("list", startKey); err != nil {
		return nil, err
	}
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	var keys []string
	for k := range m.b.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]KV, len(keys))
	for i, k := range keys {
		out[i] = m.b.data[k].kv
	}
	return out, nil
}

// Txn runs fn without holding the store lock so fn may call other methods,
// then validates every versioned op and applies all writes under the lock.
func (m *MockStore) Txn(_ context.Context, scopeKey string, fn func(Txn) error) error {
	if err := m.check("txn", scopeKey); err != nil {
		return err
	}
	m.b.mu.Lock()
	m.b.txnCalls++
	m.b.mu.Unlock()

	txn := &mockTxn{b: m.b, reads: make(map[string]Version)}
	if err := fn(txn); err != nil {
		return err
	}

	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	for key, read := range txn.reads {
		cur := Version(0)
		if e, ok := m.b.data[key]; ok {
			cur = e.kv.Version
		}
		if cur != read {
			return fmt.Errorf("%w: %s changed since read", ErrTxnConflict, key)
		}
	}
	for _, op := range txn.ops {
		if !m.b.versionMatchesLocked(op.key, op.expectedVersion) {
			return fmt.Errorf("%w: %w", ErrTxnConflict, ErrVersionMismatch)
		}
	}
	for _, op := range txn.ops {
		if op.delete {
			m.b.deleteLocked(op.key)
		} else {
			m.b.writeLocked(op.key, op.value, 0)
		}
	}
	return nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	if err := m.check("ephemeral", key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	expired := m.expired
	m.mu.Unlock()
	if expired {
		return 0, ErrSessionExpired
	}
	expectNotExists, expected := ExtractEphemeralOptions(opts)

	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if expectNotExists {
		if _, ok := m.b.data[key]; ok {
			return 0, ErrVersionMismatch
		}
	} else if !m.b.versionMatchesLocked(key, expected) {
		return 0, ErrVersionMismatch
	}
	return m.b.writeLocked(key, value, m.session), nil
}

func (m *MockStore) Notifications(_ context.Context) (NotificationStream, error) {
	if err := m.check("notifications", ""); err != nil {
		return nil, err
	}
	s := &mockStream{ch: make(chan Notification, 256), done: make(chan struct{}), b: m.b}
	m.b.mu.Lock()
	m.b.streams[s] = struct{}{}
	m.b.mu.Unlock()
	return s, nil
}

// Close closes this view and expires its session. Other views keep working.
func (m *MockStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.ExpireSession()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (b *mockBackend) versionMatchesLocked(key string, expected *Version) bool {
	if expected == nil {
		return true
	}
	e, ok := b.data[key]
	if !ok {
		return *expected == 0
	}
	return e.kv.Version == *expected
}

func (b *mockBackend) writeLocked(key string, value []byte, owner uint64) Version {
	ver := b.nextVer
	b.nextVer++
	stored := append([]byte(nil), value...)
	b.data[key] = mockEntry{kv: KV{Key: key, Value: stored, Version: ver}, owner: owner}
	b.notifyLocked(Notification{Key: key, Value: stored, Version: ver})
	return ver
}

func (b *mockBackend) deleteLocked(key string) {
	delete(b.data, key)
	b.notifyLocked(Notification{Key: key, Deleted: true})
}

// notifyLocked never blocks; a full stream drops the notification.
func (b *mockBackend) notifyLocked(n Notification) {
	for s := range b.streams {
		select {
		case s.ch <- n:
		default:
		}
	}
}

type mockTxnOp struct {
	key             string
	value           []byte
	delete          bool
	expectedVersion *Version
}

type mockTxn struct {
	b     *mockBackend
	reads map[string]Version
	ops   []mockTxnOp
}

func (t *mockTxn) Get(key string) ([]byte, Version, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	e, ok := t.b.data[key]
	if !ok {
		t.reads[key] = 0
		return nil, 0, ErrKeyNotFound
	}
	t.reads[key] = e.kv.Version
	return e.kv.Value, e.kv.Version, nil
}

func (t *mockTxn) Put(key string, value []byte) {
	t.ops = append(t.ops, mockTxnOp{key: key, value: value})
}

func (t *mockTxn) PutWithVersion(key string, value []byte, expectedVersion Version) {
	t.ops = append(t.ops, mockTxnOp{key: key, value: value, expectedVersion: &expectedVersion})
}

func (t *mockTxn) Delete(key string) {
	t.ops = append(t.ops, mockTxnOp{key: key, delete: true})
}

func (t *mockTxn) DeleteWithVersion(key string, expectedVersion Version) {
	t.ops = append(t.ops, mockTxnOp{key: key, delete: true, expectedVersion: &expectedVersion})
}

type mockStream struct {
	b    *mockBackend
	ch   chan Notification
	once sync.Once
	done chan struct{}
}

func (s *mockStream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case <-s.done:
		return Notification{}, ErrStoreClosed
	case n := <-s.ch:
		return n, nil
	}
}

func (s *mockStream) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.streams, s)
		s.b.mu.Unlock()
		close(s.done)
	})
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
