package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snowpoll/snowpoll/internal/archive"
	"github.com/snowpoll/snowpoll/internal/ledger"
	"github.com/snowpoll/snowpoll/internal/observability"
	"github.com/snowpoll/snowpoll/internal/runner"
	"github.com/snowpoll/snowpoll/internal/storage"
	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const maxJobRequestBytes = 1 << 20

type jobRequest struct {
	SQL          string `json:"sql"`
	Warehouse    string `json:"warehouse"`
	RefreshRate  string `json:"refresh_rate"`
	MaxTimeout   string `json:"max_timeout"`
	ExecuteAsync *bool  `json:"execute_async"`
	Archive      bool   `json:"archive"`
	// TransformSQL runs against the in-memory table form of a successful result.
	TransformSQL string `json:"transform_sql"`
}

type jobResponse struct {
	RunID          string           `json:"run_id"`
	JobID          string           `json:"job_id,omitempty"`
	State          runner.State     `json:"state"`
	Polls          int              `json:"polls"`
	Cancelled      bool             `json:"cancelled"`
	ElapsedMs      int64            `json:"elapsed_ms"`
	Columns        []string         `json:"columns,omitempty"`
	Rows           [][]any          `json:"rows,omitempty"`
	RowCount       int              `json:"row_count"`
	Error          string           `json:"error,omitempty"`
	WarehouseError string           `json:"warehouse_error_code,omitempty"`
	ArchiveKey     string           `json:"archive_key,omitempty"`
	ArchiveError   string           `json:"archive_error,omitempty"`
	Transform      *transformResult `json:"transform,omitempty"`
	TraceID        string           `json:"trace_id,omitempty"`
}

type transformResult struct {
	Columns []string `json:"columns,omitempty"`
	Rows    [][]any  `json:"rows,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type runResponse struct {
	RunID        string     `json:"run_id"`
	QueryText    string     `json:"query_text"`
	Warehouse    string     `json:"warehouse"`
	ExecuteAsync bool       `json:"execute_async"`
	MaxTimeoutMs int64      `json:"max_timeout_ms"`
	RefreshMs    int64      `json:"refresh_ms"`
	JobID        string     `json:"job_id,omitempty"`
	State        string     `json:"state"`
	Polls        int        `json:"polls"`
	ElapsedMs    int64      `json:"elapsed_ms"`
	RowCount     int        `json:"row_count"`
	ErrorText    string     `json:"error_text,omitempty"`
	ArchiveKey   string     `json:"archive_key,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// handleRunJob answers once the job is terminal, so a job may not outlast
// budget, the time the server allows for writing a response.
func handleRunJob(deps Dependencies, budget time.Duration, w http.ResponseWriter, r *http.Request) {
	if deps.Runner == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "JOBS_NOT_CONFIGURED", "job runner is not configured", false, nil)
		return
	}

	var body jobRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid job request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(body.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	req, err := buildRunnerRequest(deps.JobDefaults, body)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DURATION", err.Error(), false, nil)
		return
	}
	if budget > 0 && req.MaxTimeout+req.RefreshRate > budget {
		writeError(r.Context(), w, http.StatusBadRequest, "TIMEOUT_TOO_LONG",
			fmt.Sprintf("max_timeout %s plus refresh_rate %s exceeds the %s a request may run", req.MaxTimeout, req.RefreshRate, budget),
			false, map[string]any{"max_job_duration_ms": budget.Milliseconds()})
		return
	}

	out := deps.Runner.RunJob(r.Context(), req)
	if out.Table != nil {
		defer func() { _ = out.Table.Close() }()
	}

	response := newJobResponse(out)
	response.TraceID = observability.TraceIDFromContext(r.Context())
	if body.TransformSQL != "" && out.Table != nil {
		response.Transform = runTransform(r.Context(), out.Table, body.TransformSQL)
	}
	writeJSON(w, statusForOutcome(out.State), response)
}

func buildRunnerRequest(defaults runner.Request, body jobRequest) (runner.Request, error) {
	req := defaults
	req.Query = body.SQL
	if body.Warehouse != "" {
		req.Warehouse = body.Warehouse
	}
	if body.ExecuteAsync != nil {
		req.ExecuteAsync = *body.ExecuteAsync
	}
	req.Archive = body.Archive
	req.WantTableForm = body.TransformSQL != ""

	if body.RefreshRate != "" {
		value, err := parsePositiveDuration("refresh_rate", body.RefreshRate)
		if err != nil {
			return runner.Request{}, err
		}
		req.RefreshRate = value
	}
	if body.MaxTimeout != "" {
		value, err := parsePositiveDuration("max_timeout", body.MaxTimeout)
		if err != nil {
			return runner.Request{}, err
		}
		req.MaxTimeout = value
	}
	return req, nil
}

func parsePositiveDuration(field, raw string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", field)
	}
	return value, nil
}

func newJobResponse(out runner.Outcome) jobResponse {
	response := jobResponse{
		RunID:      out.RunID,
		JobID:      out.Handle.JobID,
		State:      out.State,
		Polls:      out.Polls,
		Cancelled:  out.Cancelled,
		ElapsedMs:  out.Elapsed.Milliseconds(),
		RowCount:   out.RowCount(),
		ArchiveKey: out.ArchiveKey,
	}
	if out.Result != nil {
		response.Columns = out.Result.Header
		response.Rows = out.Result.Rows
	}
	if out.Err != nil {
		response.Error = out.Err.Error()
	}
	if out.State == runner.StateFailed {
		response.WarehouseError = out.Last.ErrorCode
	}
	if out.ArchiveErr != nil {
		response.ArchiveError = out.ArchiveErr.Error()
	}
	return response
}

func statusForOutcome(state runner.State) int {
	switch state {
	case runner.StateSucceeded, runner.StateEmpty:
		return http.StatusOK
	case runner.StateFailed, runner.StateAborted:
		return http.StatusUnprocessableEntity
	case runner.StateTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func runTransform(ctx context.Context, table warehouse.Table, query string) *transformResult {
	rows, err := table.Query(ctx, query)
	if err != nil {
		return &transformResult{Error: err.Error()}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return &transformResult{Error: err.Error()}
	}
	result := &transformResult{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return &transformResult{Error: err.Error()}
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return &transformResult{Error: err.Error()}
	}
	return result
}

func handleListRuns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Ledger == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "LEDGER_NOT_CONFIGURED", "job ledger is not configured", false, nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 500 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500", false, nil)
			return
		}
		limit = value
	}

	runs, err := deps.Ledger.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to list runs", true, map[string]any{"details": err.Error()})
		return
	}
	items := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		items = append(items, newRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": items})
}

func handleGetRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	run, ok := lookupRun(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

func handleGetRunResult(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Results == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "result archive is not configured", false, nil)
		return
	}
	run, ok := lookupRun(deps, w, r)
	if !ok {
		return
	}
	if run.ArchiveKey == "" {
		writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_ARCHIVED", "run has no archived result", false, map[string]any{"run_id": run.RunID, "state": run.State})
		return
	}

	rs, err := deps.Results.Load(r.Context(), run.ArchiveKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_FOUND", "archived result object is missing", false, map[string]any{"archive_key": run.ArchiveKey})
			return
		}
		if errors.Is(err, archive.ErrCorruptResult) {
			writeError(r.Context(), w, http.StatusInternalServerError, "RESULT_CORRUPT", "archived result failed its checksum", false, map[string]any{"archive_key": run.ArchiveKey})
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to load archived result", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    run.RunID,
		"job_id":    run.JobID,
		"columns":   rs.Header,
		"rows":      rs.Rows,
		"row_count": rs.RowCount(),
	})
}

func lookupRun(deps Dependencies, w http.ResponseWriter, r *http.Request) (ledger.Run, bool) {
	if deps.Ledger == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "LEDGER_NOT_CONFIGURED", "job ledger is not configured", false, nil)
		return ledger.Run{}, false
	}
	runID := r.PathValue("run_id")
	if _, err := uuid.Parse(runID); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RUN_ID", "run_id must be a uuid", false, map[string]any{"run_id": runID})
		return ledger.Run{}, false
	}

	run, err := deps.Ledger.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "RUN_NOT_FOUND", "run was not found", false, map[string]any{"run_id": runID})
			return ledger.Run{}, false
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to load run", true, map[string]any{"details": err.Error()})
		return ledger.Run{}, false
	}
	return run, true
}

func newRunResponse(run ledger.Run) runResponse {
	return runResponse{
		RunID:        run.RunID,
		QueryText:    run.QueryText,
		Warehouse:    run.Warehouse,
		ExecuteAsync: run.ExecuteAsync,
		MaxTimeoutMs: run.MaxTimeout.Milliseconds(),
		RefreshMs:    run.RefreshRate.Milliseconds(),
		JobID:        run.JobID,
		State:        run.State,
		Polls:        run.Polls,
		ElapsedMs:    run.ElapsedMs,
		RowCount:     run.RowCount,
		ErrorText:    run.ErrorText,
		ArchiveKey:   run.ArchiveKey,
		CreatedAt:    run.CreatedAt,
		SubmittedAt:  run.SubmittedAt,
		FinishedAt:   run.FinishedAt,
	}
}
