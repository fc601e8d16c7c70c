package metadata

import (
	"context"
	"time"
)

// Recorder receives one observation per coordination store call. It keeps
// this package free of a metrics dependency.
type Recorder interface {
	RecordOp(op string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a MetadataStore and records latency and outcome of
// every call.
type InstrumentedStore struct {
	store    MetadataStore
	recorder Recorder
}

// NewInstrumentedStore wraps store. A nil recorder disables recording.
func NewInstrumentedStore(store MetadataStore, recorder Recorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, recorder: recorder}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.recorder != nil {
		s.recorder.RecordOp(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.observe("get", start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe("put", start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	result, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe("list", start, err)
	return result, err
}

func (s *InstrumentedStore) Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error {
	start := time.Now()
	err := s.store.Txn(ctx, scopeKey, fn)
	s.observe("txn", start, err)
	return err
}

// Notifications is not timed; streams are long lived.
func (s *InstrumentedStore) Notifications(ctx context.Context) (NotificationStream, error) {
	return s.store.Notifications(ctx)
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	start := time.Now()
	v, err := s.store.PutEphemeral(ctx, key, value, opts...)
	s.observe("put_ephemeral", start, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
