package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const (
	lastQueryIDQuery = `SELECT LAST_QUERY_ID()`

	statusQuery = `
SELECT execution_status, compilation_time, execution_time, error_code, error_message
FROM TABLE(INFORMATION_SCHEMA.QUERY_HISTORY())
WHERE query_id = ?`

	cancelQuery = `SELECT SYSTEM$CANCEL_QUERY(?)`
)

// Session wraps a single dedicated connection. Every method holds the session
// lock for the lifetime of its cursor, so at most one cursor is open at a time.
type Session struct {
	conn *sql.Conn
	now  func() time.Time

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func NewSession(conn *sql.Conn) *Session {
	return &Session{conn: conn, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Session) Submit(ctx context.Context, query, warehouseName string, async bool) (warehouse.JobHandle, error) {
	if strings.TrimSpace(query) == "" {
		return warehouse.JobHandle{}, fmt.Errorf("%w: query text is required", warehouse.ErrSubmission)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return warehouse.JobHandle{}, warehouse.ErrSessionClosed
	}

	if err := s.useWarehouse(ctx, warehouseName); err != nil {
		return warehouse.JobHandle{}, fmt.Errorf("%w: %v", warehouse.ErrSubmission, err)
	}

	queryIDs := make(chan string, 1)
	execCtx := gosnowflake.WithQueryIDChan(ctx, queryIDs)
	if async {
		execCtx = gosnowflake.WithAsyncMode(execCtx)
	}
	if _, err := s.conn.ExecContext(execCtx, query); err != nil {
		return warehouse.JobHandle{}, fmt.Errorf("%w: %v", warehouse.ErrSubmission, err)
	}

	var jobID string
	select {
	case jobID = <-queryIDs:
	default:
	}
	if jobID == "" {
		if err := s.conn.QueryRowContext(ctx, lastQueryIDQuery).Scan(&jobID); err != nil {
			return warehouse.JobHandle{}, fmt.Errorf("%w: read query id: %v", warehouse.ErrSubmission, err)
		}
	}
	if err := warehouse.ValidateJobID(jobID); err != nil {
		return warehouse.JobHandle{}, fmt.Errorf("%w: %v", warehouse.ErrSubmission, err)
	}

	return warehouse.JobHandle{JobID: jobID, SubmittedAt: s.now()}, nil
}

func (s *Session) Poll(ctx context.Context, jobID string) (warehouse.StatusSnapshot, error) {
	if err := warehouse.ValidateJobID(jobID); err != nil {
		return warehouse.StatusSnapshot{}, fmt.Errorf("%w: %v", warehouse.ErrStatusQuery, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return warehouse.StatusSnapshot{}, warehouse.ErrSessionClosed
	}

	var (
		rawStatus     string
		compileMillis sql.NullInt64
		execMillis    sql.NullInt64
		errorCode     sql.NullString
		errorMessage  sql.NullString
	)
	err := s.conn.QueryRowContext(ctx, statusQuery, jobID).Scan(&rawStatus, &compileMillis, &execMillis, &errorCode, &errorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return warehouse.StatusSnapshot{}, fmt.Errorf("%w: job %s not found in query history", warehouse.ErrStatusQuery, jobID)
		}
		return warehouse.StatusSnapshot{}, fmt.Errorf("%w: %v", warehouse.ErrStatusQuery, err)
	}

	return warehouse.StatusSnapshot{
		Status:          warehouse.ParseStatus(rawStatus),
		RawStatus:       rawStatus,
		CompilationTime: time.Duration(compileMillis.Int64) * time.Millisecond,
		ExecutionTime:   time.Duration(execMillis.Int64) * time.Millisecond,
		ErrorCode:       errorCode.String,
		ErrorMessage:    errorMessage.String,
		ObservedAt:      s.now(),
	}, nil
}

// Fetch replays the stored result of a finished job. A job that produced no
// rows yields ErrNoRows rather than an empty ResultSet.
func (s *Session) Fetch(ctx context.Context, jobID, warehouseName string) (warehouse.ResultSet, error) {
	if err := warehouse.ValidateJobID(jobID); err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("%w: %v", warehouse.ErrFetch, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return warehouse.ResultSet{}, warehouse.ErrSessionClosed
	}

	if err := s.useWarehouse(ctx, warehouseName); err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("%w: %v", warehouse.ErrFetch, err)
	}

	// RESULT_SCAN does not accept bind variables; the id is validated above.
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM TABLE(RESULT_SCAN('%s'))", jobID))
	if err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("%w: %v", warehouse.ErrFetch, err)
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("%w: read columns: %v", warehouse.ErrFetch, err)
	}

	out := warehouse.ResultSet{Header: header}
	for rows.Next() {
		values := make([]any, len(header))
		dest := make([]any, len(header))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return warehouse.ResultSet{}, fmt.Errorf("%w: scan row: %v", warehouse.ErrFetch, err)
		}
		out.Rows = append(out.Rows, normalizeRow(values))
	}
	if err := rows.Err(); err != nil {
		return warehouse.ResultSet{}, fmt.Errorf("%w: iterate rows: %v", warehouse.ErrFetch, err)
	}
	if len(out.Rows) == 0 {
		return warehouse.ResultSet{}, warehouse.ErrNoRows
	}
	return out, nil
}

// Cancel asks the service to abort the job. The returned error only reports
// whether the request could be sent.
func (s *Session) Cancel(ctx context.Context, jobID string) error {
	if err := warehouse.ValidateJobID(jobID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return warehouse.ErrSessionClosed
	}

	var ack sql.NullString
	if err := s.conn.QueryRowContext(ctx, cancelQuery, jobID).Scan(&ack); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) useWarehouse(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if !warehouse.ValidateIdentifier(name) {
		return fmt.Errorf("invalid warehouse name %q", name)
	}
	if _, err := s.conn.ExecContext(ctx, "USE WAREHOUSE "+name); err != nil {
		return fmt.Errorf("use warehouse %s: %w", name, err)
	}
	return nil
}

func normalizeRow(values []any) []any {
	for i, value := range values {
		if raw, ok := value.([]byte); ok {
			values[i] = string(raw)
		}
	}
	return values
}
