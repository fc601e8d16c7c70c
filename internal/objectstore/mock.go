package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests in any package.
type MockStore struct {
	mu       sync.RWMutex
	objects  map[string]mockObject
	failHook func(op, key string) error
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{objects: make(map[string]mockObject)}
}

// SetFailureHook installs fn to inject errors per operation ("put", "get",
// "head", "delete", "list"). Pass nil to clear.
func (s *MockStore) SetFailureHook(fn func(op, key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHook = fn
}

func (s *MockStore) fail(op, key string) error {
	s.mu.RLock()
	hook := s.failHook
	s.mu.RUnlock()
	if hook == nil {
		return nil
	}
	if err := hook(op, key); err != nil {
		return &ObjectError{Op: op, Key: key, Err: err}
	}
	return nil
}

// Keys returns all stored keys in order.
func (s *MockStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *MockStore) Put(_ context.Context, key string, reader io.Reader, _ int64, contentType string) error {
	if err := s.fail("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return &ObjectError{Op: "put", Key: key, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			LastModified: time.Now().UnixMilli(),
		},
	}
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := s.fail("get", key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, &ObjectError{Op: "get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	if err := s.fail("head", key); err != nil {
		return ObjectMeta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return ObjectMeta{}, &ObjectError{Op: "head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) Delete(_ context.Context, key string) error {
	if err := s.fail("delete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	if err := s.fail("list", prefix); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
