package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	rcerrors "github.com/docforge/rescache/pkg/errors"
)

const component = "s3-store"

// DefaultMaxObjectSize bounds what Fetch will read into memory.
const DefaultMaxObjectSize int64 = 32 << 20

// Store is a bucket-scoped content store. It fetches loader content, answers
// prefetch hints with a HEAD request and uploads analytics reports.
type Store struct {
	api            API
	uploader       Uploader
	bucket         string
	requestTimeout time.Duration
	maxObjectSize  int64
	logger         *slog.Logger
	metrics        metricsCollector
}

// Option configures a Store.
type Option func(*Store)

// WithUploader routes Put through an optimized uploader.
func WithUploader(u Uploader) Option {
	return func(s *Store) { s.uploader = u }
}

// WithRequestTimeout bounds every request issued by the store.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) { s.requestTimeout = d }
}

// WithMaxObjectSize overrides DefaultMaxObjectSize.
func WithMaxObjectSize(n int64) Option {
	return func(s *Store) { s.maxObjectSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store backed by a real S3 client.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, rcerrors.NewError(rcerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent(component)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", component, "bucket", cfg.Bucket)

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeInvalidConfig, "failed to create S3 client").
			WithComponent(component)
	}

	opts := []Option{WithLogger(logger), WithRequestTimeout(cfg.RequestTimeout)}
	if cfg.EnableCargoShipOptimization {
		opts = append(opts, WithUploader(newCargoShipUploader(client, cfg.Bucket, logger)))
		logger.Info("CargoShip upload optimization enabled")
	}

	return NewWithAPI(client, cfg.Bucket, opts...), nil
}

// NewWithAPI creates a store over an existing client.
func NewWithAPI(api API, bucket string, opts ...Option) *Store {
	s := &Store{
		api:           api,
		bucket:        bucket,
		maxObjectSize: DefaultMaxObjectSize,
		logger:        slog.Default().With("component", component, "bucket", bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// Fetch reads the object named by ref. Refs may be bare keys or
// s3://bucket/key URLs for this bucket.
func (s *Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	key := s.objectKey(ref)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	data, err := s.get(ctx, key)
	s.metrics.recordRequest(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	s.metrics.addDownloaded(len(data))
	return data, nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.translateError(err, "GetObject", key)
	}
	defer func() { _ = result.Body.Close() }()

	if n := aws.ToInt64(result.ContentLength); n > s.maxObjectSize {
		return nil, s.tooLarge(key, n)
	}

	data, err := io.ReadAll(io.LimitReader(result.Body, s.maxObjectSize+1))
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeStorageRead, "failed to read object body").
			WithComponent(component).WithOperation("GetObject").WithDetail("key", key)
	}
	if int64(len(data)) > s.maxObjectSize {
		return nil, s.tooLarge(key, int64(len(data)))
	}
	return data, nil
}

func (s *Store) tooLarge(key string, n int64) error {
	return rcerrors.NewError(rcerrors.ErrCodeEntryTooLarge, "object exceeds maximum size").
		WithComponent(component).WithOperation("GetObject").
		WithDetail("key", key).WithDetail("size", n).WithDetail("max", s.maxObjectSize)
}

// Hint warms the path to a resource with a HEAD request. A missing object is
// reported as OBJECT_NOT_FOUND.
func (s *Store) Hint(ctx context.Context, resourceID string) error {
	key := s.objectKey(resourceID)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = s.translateError(err, "HeadObject", key)
	}
	s.metrics.recordRequest(time.Since(start), err)
	return err
}

// Put stores data under key. The optimized uploader is tried first when
// configured; on failure the store falls back to PutObject.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	key = s.objectKey(key)
	contentType := detectContentType(key)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.put(ctx, key, data, contentType)
	s.metrics.recordRequest(time.Since(start), err)
	if err != nil {
		return err
	}
	s.metrics.addUploaded(len(data))
	return nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.uploader != nil {
		uploadErr := s.uploader.Upload(ctx, key, data, contentType)
		if uploadErr == nil {
			return nil
		}
		s.metrics.addFallback()
		s.logger.Warn("optimized upload failed, falling back to PutObject", "key", key, "error", uploadErr)
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return s.translateError(err, "PutObject", key)
	}
	return nil
}

// Metrics returns a snapshot of request metrics.
func (s *Store) Metrics() StoreMetrics {
	return s.metrics.snapshot()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout > 0 {
		return context.WithTimeout(ctx, s.requestTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Store) objectKey(ref string) string {
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		if bucket, key, found := strings.Cut(rest, "/"); found && bucket == s.bucket {
			ref = key
		}
	}
	return strings.TrimPrefix(ref, "/")
}

func (s *Store) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return rcerrors.Wrap(err, rcerrors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: %s", key)).
			WithComponent(component).WithOperation(operation).WithDetail("key", key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return rcerrors.Wrap(err, rcerrors.ErrCodeObjectNotFound, fmt.Sprintf("bucket not found: %s", s.bucket)).
			WithComponent(component).WithOperation(operation).WithDetail("key", key)
	}

	code := rcerrors.ErrCodeStorageRead
	if operation == "PutObject" {
		code = rcerrors.ErrCodeStorageWrite
	}
	return rcerrors.Wrap(err, code, operation+" failed").
		WithComponent(component).WithOperation(operation).WithDetail("key", key)
}

func detectContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "text/javascript"
	case ".txt":
		return "text/plain"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
