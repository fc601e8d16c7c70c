// Package s3 implements objectstore.Store on S3-compatible storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dray-io/ttlmerge/internal/objectstore"
)

// Config configures an S3 store.
type Config struct {
	Bucket string

	// Region defaults to us-east-1.
	Region string

	// Endpoint overrides the AWS endpoint, e.g. "http://localhost:9000" for MinIO.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle addresses buckets as http://endpoint/bucket/key.
	UsePathStyle bool
}

// Store implements objectstore.Store using the AWS SDK.
type Store struct {
	client *s3.Client
	bucket string

	mu     sync.RWMutex
	closed bool
}

// New creates a Store for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("s3: store is closed")
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return wrapError("put", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("get", key, err)
	}
	return out.Body, nil
}

func (s *Store) Head(ctx context.Context, key string) (objectstore.ObjectMeta, error) {
	if err := s.checkClosed(); err != nil {
		return objectstore.ObjectMeta{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectstore.ObjectMeta{}, wrapError("head", key, err)
	}
	meta := objectstore.ObjectMeta{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		meta.LastModified = out.LastModified.UnixMilli()
	}
	return meta, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := wrapError("delete", key, err)
		if errors.Is(wrapped, objectstore.ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectMeta, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var out []objectstore.ObjectMeta
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapError("list", prefix, err)
		}
		for _, obj := range page.Contents {
			meta := objectstore.ObjectMeta{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				meta.LastModified = obj.LastModified.UnixMilli()
			}
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func wrapError(op, key string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
		case http.StatusForbidden:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrAccessDenied}
		}
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrBucketNotFound}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrNotFound}
	}
	return &objectstore.ObjectError{Op: op, Key: key, Err: err}
}

var _ objectstore.Store = (*Store)(nil)
