package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/snowpoll/snowpoll/internal/archive"
	"github.com/snowpoll/snowpoll/internal/ledger"
	"github.com/snowpoll/snowpoll/internal/runner"
	"github.com/snowpoll/snowpoll/internal/storage"
	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const testRunID = "3f1c3c0e-8a55-4f0e-9d7e-2a1b5c6d7e8f"

func TestRunJobReturnsResultRows(t *testing.T) {
	stub := &stubRunner{outcome: runner.Outcome{
		RunID:  testRunID,
		State:  runner.StateSucceeded,
		Handle: warehouse.JobHandle{JobID: "01b2-job"},
		Result: &warehouse.ResultSet{
			Header: []string{"REGION", "TOTAL"},
			Rows:   [][]any{{"north", int64(10)}, {"south", int64(30)}},
		},
		Polls:   3,
		Elapsed: 45 * time.Second,
	}}
	h := NewHandler(testConfig(t), Dependencies{
		Runner:      stub,
		JobDefaults: runner.NewRequest(""),
	})

	rr := postJob(h, `{"sql":"SELECT region, total FROM sales","warehouse":"medium","refresh_rate":"10s","max_timeout":"30s"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if len(stub.requests) != 1 {
		t.Fatalf("runner calls = %d", len(stub.requests))
	}
	got := stub.requests[0]
	if got.Query != "SELECT region, total FROM sales" || got.Warehouse != "medium" {
		t.Fatalf("request = %+v", got)
	}
	if got.RefreshRate != 10*time.Second || got.MaxTimeout != 30*time.Second {
		t.Fatalf("request timings = %s / %s", got.RefreshRate, got.MaxTimeout)
	}
	if !got.ExecuteAsync {
		t.Fatal("ExecuteAsync should come from defaults")
	}
	if got.WantTableForm {
		t.Fatal("WantTableForm should be false without transform_sql")
	}

	var body jobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.State != runner.StateSucceeded || body.RowCount != 2 || body.Polls != 3 || body.ElapsedMs != 45000 {
		t.Fatalf("body = %+v", body)
	}
	if body.JobID != "01b2-job" || len(body.Columns) != 2 || body.TraceID == "" {
		t.Fatalf("body = %+v", body)
	}
}

func TestRunJobStatusCodesFollowOutcomeState(t *testing.T) {
	cases := map[runner.State]int{
		runner.StateSucceeded: http.StatusOK,
		runner.StateEmpty:     http.StatusOK,
		runner.StateFailed:    http.StatusUnprocessableEntity,
		runner.StateAborted:   http.StatusUnprocessableEntity,
		runner.StateTimedOut:  http.StatusGatewayTimeout,
		runner.StateError:     http.StatusBadGateway,
	}
	for state, want := range cases {
		h := NewHandler(testConfig(t), Dependencies{Runner: &stubRunner{outcome: runner.Outcome{RunID: testRunID, State: state}}})
		rr := postJob(h, `{"sql":"SELECT 1"}`)
		if rr.Code != want {
			t.Fatalf("state %s: status = %d, want %d", state, rr.Code, want)
		}
	}
}

func TestRunJobReportsFailureDetails(t *testing.T) {
	stub := &stubRunner{outcome: runner.Outcome{
		RunID:  testRunID,
		State:  runner.StateFailed,
		Handle: warehouse.JobHandle{JobID: "01b2-job"},
		Err:    fmt.Errorf("%w: 002003: object does not exist", warehouse.ErrSubmission),
		Last:   warehouse.StatusSnapshot{Status: warehouse.StatusFailed, ErrorCode: "002003"},
	}}
	h := NewHandler(testConfig(t), Dependencies{Runner: stub})

	rr := postJob(h, `{"sql":"SELECT * FROM missing","execute_async":false}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	var body jobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.WarehouseError != "002003" || !strings.Contains(body.Error, "object does not exist") {
		t.Fatalf("body = %+v", body)
	}
	if body.Rows != nil {
		t.Fatalf("rows = %v, want none", body.Rows)
	}
	if stub.requests[0].ExecuteAsync {
		t.Fatal("execute_async=false should override defaults")
	}
}

func TestRunJobRejectsInvalidBodies(t *testing.T) {
	stub := &stubRunner{}
	h := NewHandler(testConfig(t), Dependencies{Runner: stub})
	cases := []struct {
		payload string
		code    string
	}{
		{`{"sql":""}`, "SQL_REQUIRED"},
		{`{"sql":"SELECT 1","unknown":true}`, "INVALID_JSON"},
		{`not json`, "INVALID_JSON"},
		{`{"sql":"SELECT 1","max_timeout":"x"}`, "INVALID_DURATION"},
		{`{"sql":"SELECT 1","refresh_rate":"-5s"}`, "INVALID_DURATION"},
	}
	for _, tc := range cases {
		rr := postJob(h, tc.payload)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("payload %s: status = %d", tc.payload, rr.Code)
		}
		if got := decodeErrorCode(t, rr); got != tc.code {
			t.Fatalf("payload %s: error_code = %q, want %q", tc.payload, got, tc.code)
		}
	}
	if len(stub.requests) != 0 {
		t.Fatalf("runner calls = %d, want 0", len(stub.requests))
	}
}

func TestRunJobRejectsTimeoutBeyondWriteWindow(t *testing.T) {
	stub := &stubRunner{outcome: runner.Outcome{RunID: testRunID, State: runner.StateSucceeded}}
	cfg := testConfig(t)
	cfg.HTTP.WriteTimeout = 31 * time.Minute
	h := NewHandler(cfg, Dependencies{Runner: stub})

	for _, payload := range []string{
		`{"sql":"SELECT 1","max_timeout":"10h"}`,
		`{"sql":"SELECT 1","max_timeout":"20m","refresh_rate":"15m"}`,
	} {
		rr := postJob(h, payload)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("payload %s: status = %d", payload, rr.Code)
		}
		if got := decodeErrorCode(t, rr); got != "TIMEOUT_TOO_LONG" {
			t.Fatalf("payload %s: error_code = %q", payload, got)
		}
	}
	if len(stub.requests) != 0 {
		t.Fatalf("runner calls = %d, want 0", len(stub.requests))
	}

	rr := postJob(h, `{"sql":"SELECT 1","max_timeout":"25m","refresh_rate":"1m"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestRunJobWithoutRunner(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{})
	rr := postJob(h, `{"sql":"SELECT 1"}`)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRunJobTransformQueriesTableForm(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectQuery("SELECT MAX\\(TOTAL\\) AS top FROM result").
		WillReturnRows(sqlmock.NewRows([]string{"top"}).AddRow(int64(30)))

	table := &stubTable{db: db}
	stub := &stubRunner{outcome: runner.Outcome{
		RunID:  testRunID,
		State:  runner.StateSucceeded,
		Result: &warehouse.ResultSet{Header: []string{"TOTAL"}, Rows: [][]any{{int64(10)}, {int64(30)}}},
		Table:  table,
	}}
	h := NewHandler(testConfig(t), Dependencies{Runner: stub})

	rr := postJob(h, `{"sql":"SELECT total FROM sales","transform_sql":"SELECT MAX(TOTAL) AS top FROM result"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !stub.requests[0].WantTableForm {
		t.Fatal("WantTableForm should be set when transform_sql is present")
	}
	var body jobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.Transform == nil || body.Transform.Error != "" {
		t.Fatalf("transform = %+v", body.Transform)
	}
	if len(body.Transform.Rows) != 1 || body.Transform.Rows[0][0] != float64(30) {
		t.Fatalf("transform rows = %v", body.Transform.Rows)
	}
	if !table.closed {
		t.Fatal("table form should be closed after the response")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	created := time.Date(2026, time.February, 19, 12, 0, 0, 0, time.UTC)
	repo := &stubLedger{runs: []ledger.Run{{RunID: testRunID, QueryText: "SELECT 1", State: "SUCCEEDED", CreatedAt: created}}}
	h := NewHandler(testConfig(t), Dependencies{Ledger: repo})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if repo.lastLimit != 10 {
		t.Fatalf("limit = %d", repo.lastLimit)
	}
	var body struct {
		Runs []runResponse `json:"runs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].RunID != testRunID {
		t.Fatalf("runs = %+v", body.Runs)
	}

	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=0", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d", bad.Code)
	}
}

func TestGetRun(t *testing.T) {
	repo := &stubLedger{runs: []ledger.Run{{RunID: testRunID, JobID: "01b2-job", State: "TIMED_OUT", Polls: 4, ElapsedMs: 40000}}}
	h := NewHandler(testConfig(t), Dependencies{Ledger: repo})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+testRunID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body runResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.State != "TIMED_OUT" || body.Polls != 4 || body.ElapsedMs != 40000 {
		t.Fatalf("body = %+v", body)
	}
}

func TestGetRunErrors(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{Ledger: &stubLedger{}})

	invalid := httptest.NewRecorder()
	h.ServeHTTP(invalid, httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil))
	if invalid.Code != http.StatusBadRequest || decodeErrorCode(t, invalid) != "INVALID_RUN_ID" {
		t.Fatalf("invalid id status = %d", invalid.Code)
	}

	missing := httptest.NewRecorder()
	h.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+testRunID, nil))
	if missing.Code != http.StatusNotFound || decodeErrorCode(t, missing) != "RUN_NOT_FOUND" {
		t.Fatalf("missing run status = %d", missing.Code)
	}

	broken := NewHandler(testConfig(t), Dependencies{Ledger: &stubLedger{err: errors.New("connection reset")}})
	failed := httptest.NewRecorder()
	broken.ServeHTTP(failed, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+testRunID, nil))
	if failed.Code != http.StatusInternalServerError {
		t.Fatalf("ledger failure status = %d", failed.Code)
	}
}

func TestGetRunResultLoadsArchive(t *testing.T) {
	key := "results/date=2026-02-19/01b2-job.parquet"
	repo := &stubLedger{runs: []ledger.Run{{RunID: testRunID, JobID: "01b2-job", State: "SUCCEEDED", ArchiveKey: key}}}
	loader := &stubLoader{results: map[string]warehouse.ResultSet{
		key: {Header: []string{"A"}, Rows: [][]any{{"x"}}},
	}}
	h := NewHandler(testConfig(t), Dependencies{Ledger: repo, Results: loader})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+testRunID+"/result", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["row_count"] != float64(1) || body["job_id"] != "01b2-job" {
		t.Fatalf("body = %v", body)
	}
}

func TestGetRunResultWithoutArchive(t *testing.T) {
	repo := &stubLedger{runs: []ledger.Run{
		{RunID: testRunID, State: "FAILED"},
		{RunID: "8d2b7f10-0000-4000-8000-000000000002", State: "SUCCEEDED", ArchiveKey: "results/gone.parquet"},
	}}
	h := NewHandler(testConfig(t), Dependencies{Ledger: repo, Results: &stubLoader{}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+testRunID+"/result", nil))
	if rr.Code != http.StatusNotFound || decodeErrorCode(t, rr) != "RESULT_NOT_ARCHIVED" {
		t.Fatalf("status = %d", rr.Code)
	}

	gone := httptest.NewRecorder()
	h.ServeHTTP(gone, httptest.NewRequest(http.MethodGet, "/v1/jobs/8d2b7f10-0000-4000-8000-000000000002/result", nil))
	if gone.Code != http.StatusNotFound || decodeErrorCode(t, gone) != "RESULT_NOT_FOUND" {
		t.Fatalf("status = %d", gone.Code)
	}
}

func TestGetRunResultCorruptArchive(t *testing.T) {
	repo := &stubLedger{runs: []ledger.Run{{RunID: testRunID, State: "SUCCEEDED", ArchiveKey: "results/x.parquet"}}}
	loader := &stubLoader{err: fmt.Errorf("%w: results/x.parquet", archive.ErrCorruptResult)}
	h := NewHandler(testConfig(t), Dependencies{Ledger: repo, Results: loader})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+testRunID+"/result", nil))
	if rr.Code != http.StatusInternalServerError || decodeErrorCode(t, rr) != "RESULT_CORRUPT" {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func postJob(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	code, _ := body["error_code"].(string)
	return code
}

type stubRunner struct {
	outcome  runner.Outcome
	requests []runner.Request
}

func (s *stubRunner) RunJob(_ context.Context, req runner.Request) runner.Outcome {
	s.requests = append(s.requests, req)
	return s.outcome
}

type stubTable struct {
	db     *sql.DB
	closed bool
}

func (s *stubTable) Columns() []string {
	return []string{"TOTAL"}
}

func (s *stubTable) Len(context.Context) (int, error) {
	return 2, nil
}

func (s *stubTable) Query(ctx context.Context, query string) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query)
}

func (s *stubTable) Close() error {
	s.closed = true
	return nil
}

type stubLedger struct {
	runs      []ledger.Run
	err       error
	lastLimit int
}

func (s *stubLedger) GetRun(_ context.Context, runID string) (ledger.Run, error) {
	if s.err != nil {
		return ledger.Run{}, s.err
	}
	for _, run := range s.runs {
		if run.RunID == runID {
			return run, nil
		}
	}
	return ledger.Run{}, ledger.ErrNotFound
}

func (s *stubLedger) ListRuns(_ context.Context, limit int) ([]ledger.Run, error) {
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.runs, nil
}

type stubLoader struct {
	results map[string]warehouse.ResultSet
	err     error
}

func (s *stubLoader) Load(_ context.Context, key string) (warehouse.ResultSet, error) {
	if s.err != nil {
		return warehouse.ResultSet{}, s.err
	}
	rs, ok := s.results[key]
	if !ok {
		return warehouse.ResultSet{}, storage.ErrObjectNotFound
	}
	return rs, nil
}
