package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/snowpoll/snowpoll/internal/ledger"
	"github.com/snowpoll/snowpoll/internal/runner"
	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const (
	abandonedRunningText   = "run abandoned by its process; job cancelled by reaper"
	abandonedSubmittedText = "run abandoned by its process before submission"
)

// RunStore is the slice of the ledger the reaper needs.
type RunStore interface {
	ListStaleRuns(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]ledger.Run, error)
	CloseStaleRun(ctx context.Context, in ledger.RecordOutcomeInput) error
}

type Config struct {
	Interval      time.Duration
	Grace         time.Duration
	BatchLimit    int
	CancelTimeout time.Duration
}

// Service closes ledger runs left open by a process that died mid-job.
// A stale run with a job id is marked TIMED_OUT and then cancelled on the
// warehouse; one that never got a job id is marked ERROR. A run is only
// cancelled once the close has won against its owning process.
type Service struct {
	Runs      RunStore
	Connector warehouse.Connector
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
}

type ReapSummary struct {
	RunsScanned    int `json:"runs_scanned"`
	CancelsSent    int `json:"cancels_sent"`
	CancelFailures int `json:"cancel_failures"`
	RunsClosed     int `json:"runs_closed"`
	RunsSkipped    int `json:"runs_skipped"`
	Failures       int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	s.reapAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapAndLog(ctx)
		}
	}
}

func (s *Service) reapAndLog(ctx context.Context) {
	summary, err := s.RunReapOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.Logger.ErrorContext(ctx, "reap cycle failed", slog.Any("error", err), slog.Any("summary", summary))
		return
	}
	if summary.RunsScanned > 0 {
		s.Logger.InfoContext(ctx, "reap cycle completed", slog.Any("summary", summary))
	}
}

func (s *Service) RunReapOnce(ctx context.Context) (ReapSummary, error) {
	s.ensureDefaults()
	if s.Runs == nil {
		return ReapSummary{}, fmt.Errorf("run store is required")
	}

	now := s.Clock().UTC()
	runs, err := s.Runs.ListStaleRuns(ctx, now, s.Config.Grace, s.Config.BatchLimit)
	if err != nil {
		reaperCyclesTotal.WithLabelValues("failed").Inc()
		return ReapSummary{}, err
	}

	summary := ReapSummary{RunsScanned: len(runs)}
	failures := make([]string, 0)

	var session warehouse.Session
	var connectErr error
	defer func() {
		if session != nil {
			if err := session.Close(); err != nil {
				s.Logger.WarnContext(ctx, "failed to close reaper session", slog.Any("error", err))
			}
		}
	}()

	for _, run := range runs {
		state := runner.StateError
		errorText := abandonedSubmittedText
		if run.JobID != "" {
			state = runner.StateTimedOut
			errorText = abandonedRunningText
			if session == nil && connectErr == nil {
				session, connectErr = s.connect(ctx)
			}
			if connectErr != nil {
				// Leave the run open so a later cycle can still cancel it.
				summary.Failures++
				failures = append(failures, fmt.Sprintf("run %s connect: %v", run.RunID, connectErr))
				continue
			}
		}

		err := s.Runs.CloseStaleRun(ctx, ledger.RecordOutcomeInput{
			RunID:      run.RunID,
			State:      string(state),
			Polls:      run.Polls,
			Elapsed:    elapsedSince(run, now),
			ErrorText:  errorText,
			FinishedAt: now,
		})
		if errors.Is(err, ledger.ErrNotFound) {
			// The owning process finished the run after it was listed.
			summary.RunsSkipped++
			continue
		}
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("run %s close: %v", run.RunID, err))
			continue
		}
		summary.RunsClosed++
		reaperRunsClosedTotal.WithLabelValues(string(state)).Inc()
		s.Logger.InfoContext(ctx, "closed abandoned run",
			slog.String("run_id", run.RunID),
			slog.String("job_id", run.JobID),
			slog.String("state", string(state)),
			slog.Time("created_at", run.CreatedAt),
		)

		if run.JobID == "" {
			continue
		}
		if err := s.cancel(ctx, session, run.JobID); err != nil {
			summary.CancelFailures++
			reaperCancelsTotal.WithLabelValues("failed").Inc()
			s.Logger.WarnContext(ctx, "failed to cancel abandoned job",
				slog.String("run_id", run.RunID),
				slog.String("job_id", run.JobID),
				slog.Any("error", err),
			)
			continue
		}
		summary.CancelsSent++
		reaperCancelsTotal.WithLabelValues("sent").Inc()
	}

	if len(failures) > 0 {
		reaperCyclesTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("reap encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	reaperCyclesTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) connect(ctx context.Context) (warehouse.Session, error) {
	if s.Connector == nil {
		return nil, errors.New("warehouse connector is required to cancel jobs")
	}
	return s.Connector.Connect(ctx)
}

func (s *Service) cancel(ctx context.Context, session warehouse.Session, jobID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, s.Config.CancelTimeout)
	defer cancel()
	return session.Cancel(cancelCtx, jobID)
}

func elapsedSince(run ledger.Run, now time.Time) time.Duration {
	start := run.CreatedAt
	if run.SubmittedAt != nil {
		start = *run.SubmittedAt
	}
	if elapsed := now.Sub(start); elapsed > 0 {
		return elapsed
	}
	return 0
}

func (s *Service) ensureDefaults() {
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Minute
	}
	if s.Config.Grace < 0 {
		s.Config.Grace = 0
	}
	if s.Config.BatchLimit <= 0 {
		s.Config.BatchLimit = 100
	}
	if s.Config.CancelTimeout <= 0 {
		s.Config.CancelTimeout = 10 * time.Second
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}
