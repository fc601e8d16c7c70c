// Package objectstore defines the blob storage that holds part archives.
//
// Each replica writes its parts under its own prefix; peers fetch a part by
// reading the producing replica's object. The production implementation is
// S3-compatible storage (objectstore/s3).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied is returned when credentials are rejected.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound is returned when the configured bucket is missing.
	ErrBucketNotFound = errors.New("bucket not found")
)

// ObjectError records the operation and key of a failed call.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified int64
}

// Store is the blob storage interface.
type Store interface {
	// Put writes size bytes from reader at key, replacing any object there.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Get opens the object at key. Returns ErrNotFound when missing.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns metadata for key without the body.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// List returns all objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}

// PutBytes writes data at key.
func PutBytes(ctx context.Context, s Store, key string, data []byte, contentType string) error {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// GetBytes reads the whole object at key.
func GetBytes(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &ObjectError{Op: "Get", Key: key, Err: err}
	}
	return data, nil
}
