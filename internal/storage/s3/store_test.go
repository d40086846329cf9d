package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/snowpoll/snowpoll/internal/storage"
)

func TestPutUsesPrefixAndKeepsCallerKey(t *testing.T) {
	api := &fakeAPI{objects: map[string]fakeObject{}}
	store := newStore(api, "bucket-a", "snowpoll/prod/")

	info, err := store.Put(context.Background(), "/results/date=2026-02-19/job-1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
		Metadata:    map[string]string{"Job-Id": "job-1"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	stored, ok := api.objects["bucket-a/snowpoll/prod/results/date=2026-02-19/job-1.parquet"]
	if !ok {
		t.Fatalf("objects = %v", api.objects)
	}
	if stored.contentType != "application/vnd.apache.parquet" || string(stored.data) != "abc" {
		t.Fatalf("stored = %+v", stored)
	}
	if info.Key != "/results/date=2026-02-19/job-1.parquet" || info.Size != 3 {
		t.Fatalf("info = %+v", info)
	}
	if info.Metadata["job-id"] != "job-1" {
		t.Fatalf("metadata = %v", info.Metadata)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	store := newStore(&fakeAPI{objects: map[string]fakeObject{}}, "bucket-a", "")
	for _, key := range []string{"../secrets.txt", "..", "  "} {
		_, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{})
		if !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestGetMapsMissingObject(t *testing.T) {
	store := newStore(&fakeAPI{objects: map[string]fakeObject{}}, "bucket-a", "")
	if _, err := store.Get(context.Background(), "results/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestGetReturnsBodyAndLowerCasedMetadata(t *testing.T) {
	api := &fakeAPI{objects: map[string]fakeObject{
		"bucket-a/archive/results/job-1.parquet": {
			data:     []byte("parquet-bytes"),
			metadata: map[string]string{"Sha256": "abc123"},
		},
	}}
	store := newStore(api, "bucket-a", "archive")

	object, err := store.Get(context.Background(), "results/job-1.parquet")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = object.Body.Close() }()
	body, _ := io.ReadAll(object.Body)
	if string(body) != "parquet-bytes" {
		t.Fatalf("body = %q", body)
	}
	if object.Info.Size != int64(len("parquet-bytes")) || object.Info.Metadata["sha256"] != "abc123" {
		t.Fatalf("info = %+v", object.Info)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	api := &fakeAPI{}
	store := newStore(api, "bucket-a", "")

	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if api.madeBucket != "bucket-a" || api.madeRegion != "us-east-1" {
		t.Fatalf("made bucket = %q/%q", api.madeBucket, api.madeRegion)
	}
}

func TestHealthCheckRequiresBucket(t *testing.T) {
	store := newStore(&fakeAPI{}, "bucket-a", "")
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected missing bucket error")
	}

	store = newStore(&fakeAPI{bucketExists: true}, "bucket-a", "")
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "minio.example.com" || !secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}

	endpoint, secure, err = parseEndpoint("localhost:9000", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "localhost:9000" || secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}

	if _, _, err := parseEndpoint("ftp://files.example.com", false); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
}

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type fakeAPI struct {
	objects      map[string]fakeObject
	bucketExists bool
	madeBucket   string
	madeRegion   string
}

func (f *fakeAPI) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+key] = fakeObject{data: data, contentType: opts.ContentType, metadata: opts.UserMetadata}
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data)), ETag: "etag-1"}, nil
}

func (f *fakeAPI) StatObject(_ context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	object, ok := f.objects[bucket+"/"+key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(object.data)), ETag: "etag-1", UserMetadata: object.metadata}, nil
}

func (f *fakeAPI) OpenObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	object, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return io.NopCloser(strings.NewReader(string(object.data))), nil
}

func (f *fakeAPI) BucketExists(context.Context, string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeAPI) MakeBucket(_ context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.madeBucket = bucket
	f.madeRegion = opts.Region
	return nil
}
