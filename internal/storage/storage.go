package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
	// Metadata keys are lower-cased.
	Metadata map[string]string
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Object is an open stored object. Callers close Body.
type Object struct {
	Body io.ReadCloser
	Info ObjectInfo
}

// ObjectStore is the blob store that archived results are written to.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (Object, error)
	HealthCheck(ctx context.Context) error
}

// ResolveKey places a caller key under prefix. Keys that are empty or climb
// out of the prefix are rejected.
func ResolveKey(prefix, key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	prefix = CleanPrefix(prefix)
	if prefix == "" {
		return cleaned, nil
	}
	return prefix + "/" + cleaned, nil
}

func CleanPrefix(prefix string) string {
	prefix = path.Clean("/" + strings.TrimSpace(prefix))
	return strings.TrimPrefix(prefix, "/")
}
