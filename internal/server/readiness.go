package server

import (
	"context"
	"errors"

	"github.com/dray-io/ttlmerge/internal/metadata"
	"github.com/dray-io/ttlmerge/internal/objectstore"
)

const probeKey = "health-check"

// MetadataChecker is ready when the metadata store answers a read.
type MetadataChecker struct {
	store metadata.MetadataStore
}

func NewMetadataChecker(store metadata.MetadataStore) *MetadataChecker {
	return &MetadataChecker{store: store}
}

func (c *MetadataChecker) Name() string { return "metadata_store" }

func (c *MetadataChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, probeKey)
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return nil
	}
	return err
}

// ObjectStoreChecker is ready when the bucket can be listed.
type ObjectStoreChecker struct {
	store objectstore.Store
}

func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string { return "object_store" }

// CheckReady lists a prefix that never holds parts. A missing object is
// fine; a missing bucket or denied access is not.
func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, probeKey+"/")
	if err == nil {
		return nil
	}
	if errors.Is(err, objectstore.ErrNotFound) && !errors.Is(err, objectstore.ErrBucketNotFound) {
		return nil
	}
	return err
}

// FuncChecker adapts a function, typically a component's Ready method.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
