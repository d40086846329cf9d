package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/snowpoll/snowpoll/internal/storage"
	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const (
	parquetContentType = "application/vnd.apache.parquet"
	checksumMetadata   = "sha256"
)

// ErrCorruptResult means an archived object no longer matches the checksum
// recorded when it was written.
var ErrCorruptResult = errors.New("archive: result checksum mismatch")

type Archiver struct {
	Store storage.ObjectStore
}

func New(store storage.ObjectStore) *Archiver {
	return &Archiver{Store: store}
}

// Archive stores a materialized result and returns its object key.
func (a *Archiver) Archive(ctx context.Context, jobID string, rs warehouse.ResultSet, at time.Time) (string, error) {
	if a.Store == nil {
		return "", fmt.Errorf("object store is required")
	}
	key, err := storage.BuildResultPath(jobID, at)
	if err != nil {
		return "", fmt.Errorf("build result path: %w", err)
	}
	encoded, err := EncodeResultSet(jobID, rs)
	if err != nil {
		return "", fmt.Errorf("encode result to parquet: %w", err)
	}

	if _, err := a.Store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: parquetContentType,
		Metadata: map[string]string{
			"job-id":         jobID,
			"row-count":      strconv.FormatInt(encoded.RowCount, 10),
			checksumMetadata: digest(encoded.Data),
		},
	}); err != nil {
		return "", fmt.Errorf("put result object: %w", err)
	}
	return key, nil
}

// Load reads an archived result back.
func (a *Archiver) Load(ctx context.Context, key string) (warehouse.ResultSet, error) {
	if a.Store == nil {
		return warehouse.ResultSet{}, fmt.Errorf("object store is required")
	}
	object, err := a.Store.Get(ctx, key)
	if err != nil {
		return warehouse.ResultSet{}, err
	}
	defer func() { _ = object.Body.Close() }()

	data, err := io.ReadAll(object.Body)
	if err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("read result object %q: %w", key, err)
	}
	// Objects written before checksums were recorded carry no digest.
	if want, ok := object.Info.Metadata[checksumMetadata]; ok && want != digest(data) {
		return warehouse.ResultSet{}, fmt.Errorf("%w: %s", ErrCorruptResult, key)
	}
	_, rs, err := DecodeResultSet(data)
	if err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("decode result object %q: %w", key, err)
	}
	return rs, nil
}

func (a *Archiver) HealthCheck(ctx context.Context) error {
	if a.Store == nil {
		return fmt.Errorf("object store is required")
	}
	return a.Store.HealthCheck(ctx)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
