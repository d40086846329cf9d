package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateRun(ctx context.Context, in CreateRunInput) (Run, error)
	MarkSubmitted(ctx context.Context, runID, jobID string, at time.Time) error
	RecordOutcome(ctx context.Context, in RecordOutcomeInput) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// ListStaleRuns returns PENDING or RUNNING runs for which the timeout,
	// one refresh interval and grace have all elapsed at now.
	ListStaleRuns(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]Run, error)
	// CloseStaleRun records a terminal state only while the run is still open.
	// It returns ErrNotFound when the run is missing or already closed.
	CloseStaleRun(ctx context.Context, in RecordOutcomeInput) error
}

// Run is one invocation of the job runner, from creation to terminal state.
type Run struct {
	RunID        string
	QueryText    string
	Warehouse    string
	ExecuteAsync bool
	MaxTimeout   time.Duration
	RefreshRate  time.Duration
	JobID        string
	State        string
	Polls        int
	ElapsedMs    int64
	RowCount     int
	ErrorText    string
	ArchiveKey   string
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	FinishedAt   *time.Time
}

type CreateRunInput struct {
	RunID        string
	QueryText    string
	Warehouse    string
	ExecuteAsync bool
	MaxTimeout   time.Duration
	RefreshRate  time.Duration
}

type RecordOutcomeInput struct {
	RunID      string
	State      string
	Polls      int
	Elapsed    time.Duration
	RowCount   int
	ErrorText  string
	ArchiveKey string
	FinishedAt time.Time
}

const (
	StatePending = "PENDING"
	StateRunning = "RUNNING"
)

// Open reports whether the run has not reached a terminal state.
func (r Run) Open() bool {
	return r.State == StatePending || r.State == StateRunning
}
