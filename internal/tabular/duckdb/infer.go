package duckdb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/snowpoll/snowpoll/internal/warehouse"
)

type columnType string

const (
	typeBigint    columnType = "BIGINT"
	typeDouble    columnType = "DOUBLE"
	typeBoolean   columnType = "BOOLEAN"
	typeTimestamp columnType = "TIMESTAMP"
	typeVarchar   columnType = "VARCHAR"
)

// inferColumnTypes picks the narrowest type that holds every non-null value of
// a column. Numeric strings are accepted since fixed-point warehouse columns
// arrive as text.
func inferColumnTypes(rs warehouse.ResultSet) []columnType {
	types := make([]columnType, len(rs.Header))
	for col := range rs.Header {
		var current columnType
		for _, row := range rs.Rows {
			if col >= len(row) || row[col] == nil {
				continue
			}
			current = widen(current, valueType(row[col]))
			if current == typeVarchar {
				break
			}
		}
		if current == "" {
			current = typeVarchar
		}
		types[col] = current
	}
	return types
}

func valueType(value any) columnType {
	switch typed := value.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return typeBigint
	case uint, uint64:
		return typeDouble
	case float32, float64:
		return typeDouble
	case bool:
		return typeBoolean
	case time.Time:
		return typeTimestamp
	case string:
		text := strings.TrimSpace(typed)
		if _, err := strconv.ParseInt(text, 10, 64); err == nil {
			return typeBigint
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return typeDouble
		}
		return typeVarchar
	default:
		return typeVarchar
	}
}

func widen(current, next columnType) columnType {
	switch {
	case current == "":
		return next
	case current == next:
		return current
	case (current == typeBigint && next == typeDouble) || (current == typeDouble && next == typeBigint):
		return typeDouble
	default:
		return typeVarchar
	}
}

func convertValue(value any, target columnType) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch target {
	case typeBigint:
		return toInt64(value)
	case typeDouble:
		return toFloat64(value)
	case typeBoolean, typeTimestamp:
		return value, nil
	default:
		return toText(value), nil
	}
}

func toInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case int:
		return int64(typed), nil
	case int8:
		return int64(typed), nil
	case int16:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case uint8:
		return int64(typed), nil
	case uint16:
		return int64(typed), nil
	case uint32:
		return int64(typed), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to BIGINT", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch typed := value.(type) {
	case float32:
		return float64(typed), nil
	case float64:
		return typed, nil
	case uint:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	default:
		n, err := toInt64(value)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to DOUBLE", value)
		}
		return float64(n), nil
	}
}

func toText(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	case time.Time:
		return typed.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(typed)
	}
}
