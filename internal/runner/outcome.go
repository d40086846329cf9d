package runner

import (
	"time"

	"github.com/snowpoll/snowpoll/internal/warehouse"
)

type State string

const (
	StateSucceeded State = "SUCCEEDED"
	// StateEmpty is a successful job whose result has no rows.
	StateEmpty    State = "EMPTY"
	StateFailed   State = "FAILED"
	StateAborted  State = "ABORTED"
	StateTimedOut State = "TIMED_OUT"
	// StateError covers connection, polling, fetch and conversion failures.
	StateError State = "ERROR"
)

// Outcome is the tagged result of a run. Result and Table are only set when
// State is StateSucceeded; no partial results are ever returned.
type Outcome struct {
	RunID     string
	State     State
	Handle    warehouse.JobHandle
	Result    *warehouse.ResultSet
	Table     warehouse.Table
	Err       error
	Polls     int
	Cancelled bool
	Elapsed   time.Duration
	Last      warehouse.StatusSnapshot

	ArchiveKey string
	ArchiveErr error
}

func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded || o.State == StateEmpty
}

func (o Outcome) RowCount() int {
	if o.Result == nil {
		return 0
	}
	return o.Result.RowCount()
}
