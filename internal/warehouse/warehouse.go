package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrConnection    = errors.New("warehouse: connection failed")
	ErrSubmission    = errors.New("warehouse: submission rejected")
	ErrStatusQuery   = errors.New("warehouse: status query failed")
	ErrFetch         = errors.New("warehouse: result fetch failed")
	ErrNoRows        = errors.New("warehouse: job returned no rows")
	ErrInvalidJobID  = errors.New("warehouse: invalid job id")
	ErrSessionClosed = errors.New("warehouse: session closed")
)

type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED_WITH_ERROR"
	StatusAborted Status = "ABORTED"
)

// ParseStatus maps a raw execution status reported by the service onto the
// four states the monitor cares about. Anything that is not terminal is running.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(StatusSuccess):
		return StatusSuccess
	case string(StatusFailed), "FAILED", "FAILED_WITH_INCIDENT":
		return StatusFailed
	case string(StatusAborted), "ABORTING":
		return StatusAborted
	default:
		return StatusRunning
	}
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusAborted
}

type JobHandle struct {
	JobID       string
	SubmittedAt time.Time
}

type StatusSnapshot struct {
	Status          Status
	RawStatus       string
	CompilationTime time.Duration
	ExecutionTime   time.Duration
	ErrorCode       string
	ErrorMessage    string
	ObservedAt      time.Time
}

type ResultSet struct {
	Header []string
	Rows   [][]any
}

func (r ResultSet) ColumnCount() int {
	return len(r.Header)
}

func (r ResultSet) RowCount() int {
	return len(r.Rows)
}

// Table is the column-labelled form of a ResultSet.
type Table interface {
	Columns() []string
	Len(ctx context.Context) (int, error)
	Query(ctx context.Context, query string) (*sql.Rows, error)
	Close() error
}

// Session is one open session against the execution service. Implementations
// serialize cursor usage: every operation closes its cursor before returning.
type Session interface {
	Submit(ctx context.Context, query, warehouse string, async bool) (JobHandle, error)
	Poll(ctx context.Context, jobID string) (StatusSnapshot, error)
	Fetch(ctx context.Context, jobID, warehouse string) (ResultSet, error)
	Cancel(ctx context.Context, jobID string) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,127}$`)

func ValidateJobID(jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return ErrInvalidJobID
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,254}$`)

func ValidateIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
