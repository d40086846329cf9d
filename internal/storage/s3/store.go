package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/snowpoll/snowpoll/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// bucketAPI is the part of the minio client the store calls.
type bucketAPI interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// Store keeps archived results in one bucket, optionally under a key prefix.
type Store struct {
	api    bucketAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	api, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	store := newStore(minioAPI{Client: api}, bucket, cfg.Prefix)
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(api bucketAPI, bucket, prefix string) *Store {
	return &Store{api: api, bucket: bucket, prefix: storage.CleanPrefix(prefix)}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	objectKey, err := storage.ResolveKey(s.prefix, key)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}
	upload, err := s.api.PutObject(ctx, s.bucket, objectKey, body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", objectKey, translate(err))
	}
	return storage.ObjectInfo{
		Key:      key,
		Size:     upload.Size,
		ETag:     upload.ETag,
		Metadata: lowerKeys(opts.Metadata),
	}, nil
}

// Get stats the object before opening it so a missing key surfaces as
// storage.ErrObjectNotFound rather than on first read.
func (s *Store) Get(ctx context.Context, key string) (storage.Object, error) {
	objectKey, err := storage.ResolveKey(s.prefix, key)
	if err != nil {
		return storage.Object{}, fmt.Errorf("get %q: %w", key, err)
	}
	stat, err := s.api.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if err := translate(err); errors.Is(err, storage.ErrObjectNotFound) {
			return storage.Object{}, err
		}
		return storage.Object{}, fmt.Errorf("stat object %q: %w", objectKey, err)
	}
	body, err := s.api.OpenObject(ctx, s.bucket, objectKey)
	if err != nil {
		return storage.Object{}, fmt.Errorf("get object %q: %w", objectKey, translate(err))
	}
	return storage.Object{
		Body: body,
		Info: storage.ObjectInfo{
			Key:      key,
			Size:     stat.Size,
			ETag:     stat.ETag,
			Metadata: lowerKeys(stat.UserMetadata),
		},
	}, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %q: %w", s.bucket, translate(err))
	case !exists:
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, translate(err))
	}
	if exists {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, translate(err))
	}
	return nil
}

type minioAPI struct {
	*minio.Client
}

func (m minioAPI) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	object, err := m.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return object, nil
}

// parseEndpoint accepts host:port or a URL; an https URL forces TLS.
func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint host is required")
	}
	return parsed.Host, parsed.Scheme == "https" || useSSL, nil
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[strings.ToLower(key)] = value
	}
	return out
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storage.ErrObjectNotFound
	}
	return err
}
