package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/snowpoll/snowpoll/internal/ledger"
)

const runColumns = `run_id, query_text, warehouse, execute_async, max_timeout_ms, refresh_ms, COALESCE(job_id, ''), state, polls,
       elapsed_ms, row_count, error_text, archive_key, created_at, submitted_at, finished_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

func (r *Repository) CreateRun(ctx context.Context, in ledger.CreateRunInput) (ledger.Run, error) {
	query := `
INSERT INTO job_run (run_id, query_text, warehouse, execute_async, max_timeout_ms, refresh_ms, state)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`
	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, query,
		in.RunID,
		in.QueryText,
		in.Warehouse,
		in.ExecuteAsync,
		in.MaxTimeout.Milliseconds(),
		in.RefreshRate.Milliseconds(),
		ledger.StatePending,
	).Scan(&createdAt); err != nil {
		return ledger.Run{}, fmt.Errorf("create run: %w", err)
	}
	return ledger.Run{
		RunID:        in.RunID,
		QueryText:    in.QueryText,
		Warehouse:    in.Warehouse,
		ExecuteAsync: in.ExecuteAsync,
		MaxTimeout:   in.MaxTimeout,
		RefreshRate:  in.RefreshRate,
		State:        ledger.StatePending,
		CreatedAt:    createdAt,
	}, nil
}

func (r *Repository) MarkSubmitted(ctx context.Context, runID, jobID string, at time.Time) error {
	query := `
UPDATE job_run
SET job_id = $2, state = $3, submitted_at = $4
WHERE run_id = $1`
	result, err := r.db.ExecContext(ctx, query, runID, jobID, ledger.StateRunning, at.UTC())
	if err != nil {
		return fmt.Errorf("mark run submitted: %w", err)
	}
	return requireAffected(result, "mark run submitted")
}

func (r *Repository) RecordOutcome(ctx context.Context, in ledger.RecordOutcomeInput) error {
	query := `
UPDATE job_run
SET state = $2, polls = $3, elapsed_ms = $4, row_count = $5, error_text = $6, archive_key = $7, finished_at = $8
WHERE run_id = $1`
	result, err := r.db.ExecContext(ctx, query,
		in.RunID,
		in.State,
		in.Polls,
		in.Elapsed.Milliseconds(),
		in.RowCount,
		in.ErrorText,
		in.ArchiveKey,
		in.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run outcome: %w", err)
	}
	return requireAffected(result, "record run outcome")
}

// CloseStaleRun leaves row_count and archive_key alone and only touches a run
// that is still PENDING or RUNNING, so it never overwrites an outcome the
// owning process recorded first.
func (r *Repository) CloseStaleRun(ctx context.Context, in ledger.RecordOutcomeInput) error {
	query := `
UPDATE job_run
SET state = $2, polls = $3, elapsed_ms = $4, error_text = $5, finished_at = $6
WHERE run_id = $1
  AND state IN ($7, $8)`
	result, err := r.db.ExecContext(ctx, query,
		in.RunID,
		in.State,
		in.Polls,
		in.Elapsed.Milliseconds(),
		in.ErrorText,
		in.FinishedAt.UTC(),
		ledger.StatePending,
		ledger.StateRunning,
	)
	if err != nil {
		return fmt.Errorf("close stale run: %w", err)
	}
	return requireAffected(result, "close stale run")
}

func (r *Repository) GetRun(ctx context.Context, runID string) (ledger.Run, error) {
	query := `
SELECT ` + runColumns + `
FROM job_run
WHERE run_id = $1`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Run{}, ledger.ErrNotFound
		}
		return ledger.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, limit int) ([]ledger.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT ` + runColumns + `
FROM job_run
ORDER BY created_at DESC
LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *Repository) ListStaleRuns(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]ledger.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT ` + runColumns + `
FROM job_run
WHERE state IN ($1, $2)
  AND created_at + (max_timeout_ms + refresh_ms + $3) * INTERVAL '1 millisecond' < $4
ORDER BY created_at ASC
LIMIT $5`
	rows, err := r.db.QueryContext(ctx, query, ledger.StatePending, ledger.StateRunning, grace.Milliseconds(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]ledger.Run, error) {
	defer func() { _ = rows.Close() }()

	runs := make([]ledger.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ledger.Run, error) {
	var (
		run          ledger.Run
		maxTimeoutMs int64
		refreshMs    int64
		submittedAt  sql.NullTime
		finishedAt   sql.NullTime
	)
	if err := row.Scan(
		&run.RunID,
		&run.QueryText,
		&run.Warehouse,
		&run.ExecuteAsync,
		&maxTimeoutMs,
		&refreshMs,
		&run.JobID,
		&run.State,
		&run.Polls,
		&run.ElapsedMs,
		&run.RowCount,
		&run.ErrorText,
		&run.ArchiveKey,
		&run.CreatedAt,
		&submittedAt,
		&finishedAt,
	); err != nil {
		return ledger.Run{}, err
	}
	run.MaxTimeout = time.Duration(maxTimeoutMs) * time.Millisecond
	run.RefreshRate = time.Duration(refreshMs) * time.Millisecond
	if submittedAt.Valid {
		ts := submittedAt.Time
		run.SubmittedAt = &ts
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		run.FinishedAt = &ts
	}
	return run, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
