package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const DefaultTableName = "result"

// Tabulator loads result sets into an in-memory DuckDB table.
type Tabulator struct {
	TableName string
}

func NewTabulator() *Tabulator {
	return &Tabulator{TableName: DefaultTableName}
}

func (t *Tabulator) Tabulate(ctx context.Context, rs warehouse.ResultSet) (warehouse.Table, error) {
	if len(rs.Header) == 0 {
		return nil, fmt.Errorf("result set has no columns")
	}
	tableName := t.TableName
	if strings.TrimSpace(tableName) == "" {
		tableName = DefaultTableName
	}

	columns := uniqueColumnNames(rs.Header)
	types := inferColumnTypes(rs)

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if err := loadRows(ctx, db, tableName, columns, types, rs.Rows); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := isolate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Frame{db: db, name: tableName, columns: columns}, nil
}

func loadRows(ctx context.Context, db *sql.DB, tableName string, columns []string, types []columnType, rows [][]any) error {
	defs := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, column := range columns {
		defs[i] = quoteIdent(column) + " " + string(types[i])
		placeholders[i] = "?"
	}

	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tableName), strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %q: %w", tableName, err)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(tableName), strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(columns))
	for rowIndex, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values, want %d", rowIndex, len(row), len(columns))
		}
		for i, value := range row {
			converted, err := convertValue(value, types[i])
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", rowIndex, columns[i], err)
			}
			args[i] = converted
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", rowIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit load: %w", err)
	}
	return nil
}

// isolate confines the database to its own tables: no file or network access,
// no extension loading, and no way for a later query to turn either back on.
func isolate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("isolate duckdb (%s): %w", stmt, err)
		}
	}
	return nil
}

// Frame is a column-labelled, queryable view of one result set.
type Frame struct {
	db      *sql.DB
	name    string
	columns []string

	closeOnce sync.Once
	closeErr  error
}

func (f *Frame) Name() string {
	return f.name
}

func (f *Frame) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

func (f *Frame) Len(ctx context.Context) (int, error) {
	var count int64
	if err := f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(f.name)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return int(count), nil
}

// Query runs SQL against the frame. The table is addressable by Name().
func (f *Frame) Query(ctx context.Context, query string) (*sql.Rows, error) {
	sqlText := stripTrailingSemicolons(query)
	if sqlText == "" {
		return nil, fmt.Errorf("sql is required")
	}
	rows, err := f.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	return rows, nil
}

func (f *Frame) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.db.Close()
	})
	return f.closeErr
}

func uniqueColumnNames(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		key := strings.ToLower(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
