package objectstore

import (
	"context"
	"io"
	"time"
)

// Recorder receives one observation per object store call.
type Recorder interface {
	RecordOp(op string, durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore wraps a Store and records latency, outcome and size of
// each call.
type InstrumentedStore struct {
	store    Store
	recorder Recorder
}

// NewInstrumentedStore wraps store. A nil recorder disables recording.
func NewInstrumentedStore(store Store, recorder Recorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, recorder: recorder}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error, n int64) {
	if s.recorder != nil {
		s.recorder.RecordOp(op, time.Since(start).Seconds(), err == nil, n)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	s.observe("put", start, err, size)
	return err
}

// Get records the call when the returned body is closed, with the number
// of bytes read.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		s.observe("get", start, err, 0)
		return nil, err
	}
	return &countingReader{ReadCloser: rc, done: func(n int64) { s.observe("get", start, nil, n) }}, nil
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.observe("head", start, err, 0)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.observe("delete", start, err, 0)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	out, err := s.store.List(ctx, prefix)
	s.observe("list", start, err, 0)
	return out, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

type countingReader struct {
	io.ReadCloser
	n    int64
	done func(int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReader) Close() error {
	err := r.ReadCloser.Close()
	if r.done != nil {
		r.done(r.n)
		r.done = nil
	}
	return err
}

var _ Store = (*InstrumentedStore)(nil)
