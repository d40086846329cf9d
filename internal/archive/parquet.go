package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const (
	headerMetadataKey = "snowpoll.header"
	jobIDMetadataKey  = "snowpoll.job_id"
)

type EncodeResult struct {
	Data     []byte
	RowCount int64
}

type parquetRow struct {
	RowNumber  int64  `parquet:"row_number"`
	ValuesJSON string `parquet:"values_json"`
}

// EncodeResultSet writes one parquet row per result row. Values are kept as a
// JSON array so heterogeneous warehouse schemas share one file layout; the
// header travels in the file key/value metadata.
func EncodeResultSet(jobID string, rs warehouse.ResultSet) (EncodeResult, error) {
	if len(rs.Header) == 0 {
		return EncodeResult{}, fmt.Errorf("result header is required")
	}
	headerJSON, err := json.Marshal(rs.Header)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("marshal header: %w", err)
	}

	rows := make([]parquetRow, 0, len(rs.Rows))
	for i, row := range rs.Rows {
		if len(row) != len(rs.Header) {
			return EncodeResult{}, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(rs.Header))
		}
		valuesJSON, err := json.Marshal(row)
		if err != nil {
			return EncodeResult{}, fmt.Errorf("marshal row %d: %w", i, err)
		}
		rows = append(rows, parquetRow{RowNumber: int64(i + 1), ValuesJSON: string(valuesJSON)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf,
		parquet.KeyValueMetadata(headerMetadataKey, string(headerJSON)),
		parquet.KeyValueMetadata(jobIDMetadataKey, jobID),
	)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{Data: buf.Bytes(), RowCount: int64(len(rows))}, nil
}

// DecodeResultSet reverses EncodeResultSet. Numbers come back as int64 when
// they are integral and float64 otherwise.
func DecodeResultSet(data []byte) (string, warehouse.ResultSet, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", warehouse.ResultSet{}, fmt.Errorf("open parquet file: %w", err)
	}
	headerJSON, ok := file.Lookup(headerMetadataKey)
	if !ok {
		return "", warehouse.ResultSet{}, fmt.Errorf("parquet file has no result header")
	}
	jobID, _ := file.Lookup(jobIDMetadataKey)

	var out warehouse.ResultSet
	if err := json.Unmarshal([]byte(headerJSON), &out.Header); err != nil {
		return "", warehouse.ResultSet{}, fmt.Errorf("decode header: %w", err)
	}

	reader := parquet.NewGenericReader[parquetRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	batch := make([]parquetRow, 256)
	for {
		n, err := reader.Read(batch)
		for _, row := range batch[:n] {
			values, decodeErr := decodeValues(row.ValuesJSON)
			if decodeErr != nil {
				return "", warehouse.ResultSet{}, fmt.Errorf("decode row %d: %w", row.RowNumber, decodeErr)
			}
			out.Rows = append(out.Rows, values)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", warehouse.ResultSet{}, fmt.Errorf("read parquet rows: %w", err)
		}
	}
	return jobID, out, nil
}

func decodeValues(raw string) ([]any, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var values []any
	if err := decoder.Decode(&values); err != nil {
		return nil, err
	}
	for i, value := range values {
		number, ok := value.(json.Number)
		if !ok {
			continue
		}
		if n, err := number.Int64(); err == nil {
			values[i] = n
			continue
		}
		if f, err := number.Float64(); err == nil {
			values[i] = f
		}
	}
	return values, nil
}
