package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/snowpoll/snowpoll/internal/ledger"
	"github.com/snowpoll/snowpoll/internal/observability"
	"github.com/snowpoll/snowpoll/internal/warehouse"
)

const DefaultWarehouse = "DEFAULT"

type Service struct {
	Connector warehouse.Connector
	Tabulator Tabulator
	Recorder  Recorder
	Archiver  Archiver
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	NewRunID  func() string

	defaultsOnce sync.Once
}

type Config struct {
	RefreshRate   time.Duration
	MaxTimeout    time.Duration
	Warehouse     string
	Warehouses    map[string]string
	Concurrency   int
	CancelTimeout time.Duration
}

type Tabulator interface {
	Tabulate(ctx context.Context, rs warehouse.ResultSet) (warehouse.Table, error)
}

// Recorder persists the lifecycle of a run. Failures are logged by the
// service and never change the outcome of the job.
type Recorder interface {
	CreateRun(ctx context.Context, in ledger.CreateRunInput) (ledger.Run, error)
	MarkSubmitted(ctx context.Context, runID, jobID string, at time.Time) error
	RecordOutcome(ctx context.Context, in ledger.RecordOutcomeInput) error
}

type Archiver interface {
	Archive(ctx context.Context, jobID string, rs warehouse.ResultSet, at time.Time) (string, error)
}

type Request struct {
	Query         string
	RefreshRate   time.Duration
	Warehouse     string
	ExecuteAsync  bool
	WantTableForm bool
	MaxTimeout    time.Duration
	Archive       bool
}

// NewRequest returns a request carrying the documented defaults: 15s refresh,
// DEFAULT warehouse, async submission, 4h timeout.
func NewRequest(query string) Request {
	return Request{
		Query:        query,
		RefreshRate:  15 * time.Second,
		Warehouse:    DefaultWarehouse,
		ExecuteAsync: true,
		MaxTimeout:   4 * time.Hour,
	}
}

func (s *Service) RunJob(ctx context.Context, req Request) (out Outcome) {
	s.ensureDefaults()
	req = s.withRequestDefaults(req)

	out.RunID = s.NewRunID()
	warehouseName := s.ResolveWarehouse(req.Warehouse)
	ctx = observability.ContextWithRunID(ctx, out.RunID)
	logger := observability.JobLogger(ctx, s.Logger, out.RunID)
	begin := s.Clock()

	s.recordCreated(ctx, logger, ledger.CreateRunInput{
		RunID:        out.RunID,
		QueryText:    req.Query,
		Warehouse:    warehouseName,
		ExecuteAsync: req.ExecuteAsync,
		MaxTimeout:   req.MaxTimeout,
		RefreshRate:  req.RefreshRate,
	})
	defer func() {
		if out.Elapsed == 0 {
			out.Elapsed = s.Clock().Sub(begin)
		}
		s.finish(ctx, logger, out)
	}()

	session, err := s.Connector.Connect(ctx)
	if err != nil {
		out.State = StateError
		out.Err = fmt.Errorf("connect: %w", err)
		return out
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.WarnContext(ctx, "close warehouse session failed", slog.Any("error", err))
		}
	}()

	handle, err := session.Submit(ctx, req.Query, warehouseName, req.ExecuteAsync)
	if err != nil {
		out.State = StateError
		if errors.Is(err, warehouse.ErrSubmission) {
			out.State = StateFailed
		}
		out.Err = fmt.Errorf("submit: %w", err)
		return out
	}
	out.Handle = handle
	observability.IncrementJobSubmitted()
	logger = logger.With(slog.String("job_id", handle.JobID))
	logger.InfoContext(ctx, "job submitted", slog.String("warehouse", warehouseName), slog.Bool("async", req.ExecuteAsync))
	s.recordSubmitted(ctx, logger, out.RunID, handle)

	s.monitor(ctx, logger, session, req, warehouseName, &out)
	return out
}

// RunAll runs independent jobs concurrently, each with its own session.
// Outcomes are returned in request order.
func (s *Service) RunAll(ctx context.Context, reqs []Request) []Outcome {
	s.ensureDefaults()

	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.Config.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = s.RunJob(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ResolveWarehouse maps a selector to a warehouse name. DEFAULT and configured
// aliases resolve through Config; anything else is used as given.
func (s *Service) ResolveWarehouse(selector string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		selector = DefaultWarehouse
	}
	if name, ok := s.Config.Warehouses[strings.ToUpper(selector)]; ok {
		return name
	}
	if strings.EqualFold(selector, DefaultWarehouse) {
		return s.Config.Warehouse
	}
	return selector
}

func (s *Service) monitor(ctx context.Context, logger *slog.Logger, session warehouse.Session, req Request, warehouseName string, out *Outcome) {
	jobID := out.Handle.JobID
	start := s.Clock()
	defer func() { out.Elapsed = s.Clock().Sub(start) }()

	for {
		if err := s.Sleep(ctx, req.RefreshRate); err != nil {
			s.cancel(ctx, logger, session, out)
			out.State = StateError
			out.Err = fmt.Errorf("wait for job %s: %w", jobID, err)
			return
		}

		snapshot, err := session.Poll(ctx, jobID)
		out.Polls++
		observability.IncrementJobPoll()
		if err != nil {
			if ctx.Err() != nil {
				s.cancel(ctx, logger, session, out)
			}
			out.State = StateError
			if !errors.Is(err, warehouse.ErrStatusQuery) {
				err = fmt.Errorf("%w: %w", warehouse.ErrStatusQuery, err)
			}
			out.Err = fmt.Errorf("poll job %s: %w", jobID, err)
			return
		}
		out.Last = snapshot

		switch snapshot.Status {
		case warehouse.StatusSuccess:
			s.materialize(ctx, logger, session, req, warehouseName, out)
			return
		case warehouse.StatusFailed:
			out.State = StateFailed
			out.Err = fmt.Errorf("%w: job %s failed: %s", warehouse.ErrSubmission, jobID, describeFailure(snapshot))
			return
		case warehouse.StatusAborted:
			out.State = StateAborted
			out.Err = fmt.Errorf("job %s aborted", jobID)
			return
		}

		elapsed := s.Clock().Sub(start)
		if elapsed > req.MaxTimeout {
			s.cancel(ctx, logger, session, out)
			out.State = StateTimedOut
			out.Err = fmt.Errorf("job %s exceeded max timeout %s", jobID, req.MaxTimeout)
			return
		}
		logProgress(ctx, logger, snapshot, elapsed)
	}
}

func (s *Service) materialize(ctx context.Context, logger *slog.Logger, session warehouse.Session, req Request, warehouseName string, out *Outcome) {
	jobID := out.Handle.JobID
	rs, err := session.Fetch(ctx, jobID, warehouseName)
	if errors.Is(err, warehouse.ErrNoRows) {
		out.State = StateEmpty
		return
	}
	if err != nil {
		out.State = StateError
		out.Err = fmt.Errorf("fetch job %s: %w", jobID, err)
		return
	}

	if req.WantTableForm {
		if s.Tabulator == nil {
			out.State = StateError
			out.Err = fmt.Errorf("tabulate job %s: no tabulator configured", jobID)
			return
		}
		table, err := s.Tabulator.Tabulate(ctx, rs)
		if err != nil {
			out.State = StateError
			out.Err = fmt.Errorf("tabulate job %s: %w", jobID, err)
			return
		}
		out.Table = table
	}

	out.State = StateSucceeded
	out.Result = &rs

	if req.Archive && s.Archiver != nil {
		key, err := s.Archiver.Archive(ctx, jobID, rs, s.Clock())
		if err != nil {
			out.ArchiveErr = err
			logger.WarnContext(ctx, "archive result failed", slog.Any("error", err))
			return
		}
		out.ArchiveKey = key
	}
}

// cancel sends a single best-effort cancel request, detached from the caller's
// cancellation.
func (s *Service) cancel(ctx context.Context, logger *slog.Logger, session warehouse.Session, out *Outcome) {
	cancelCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), s.Config.CancelTimeout)
	defer cancelFn()

	out.Cancelled = true
	observability.IncrementJobCancel()
	if err := session.Cancel(cancelCtx, out.Handle.JobID); err != nil {
		logger.WarnContext(ctx, "cancel job failed", slog.Any("error", err))
		return
	}
	logger.InfoContext(ctx, "cancel requested")
}

func (s *Service) finish(ctx context.Context, logger *slog.Logger, out Outcome) {
	observability.ObserveJobOutcome(string(out.State), out.Elapsed, out.RowCount())

	attrs := []any{
		slog.String("state", string(out.State)),
		slog.Int("polls", out.Polls),
		slog.String("elapsed", out.Elapsed.String()),
		slog.Int("rows", out.RowCount()),
	}
	if out.Err != nil {
		attrs = append(attrs, slog.Any("error", out.Err))
	}
	if out.State == StateError {
		logger.ErrorContext(ctx, "job run finished", attrs...)
	} else {
		logger.InfoContext(ctx, "job run finished", attrs...)
	}

	if s.Recorder == nil {
		return
	}
	in := ledger.RecordOutcomeInput{
		RunID:      out.RunID,
		State:      string(out.State),
		Polls:      out.Polls,
		Elapsed:    out.Elapsed,
		RowCount:   out.RowCount(),
		ArchiveKey: out.ArchiveKey,
		FinishedAt: s.Clock(),
	}
	if out.Err != nil {
		in.ErrorText = out.Err.Error()
	}
	if err := s.Recorder.RecordOutcome(context.WithoutCancel(ctx), in); err != nil {
		logger.WarnContext(ctx, "record run outcome failed", slog.Any("error", err))
	}
}

func (s *Service) recordCreated(ctx context.Context, logger *slog.Logger, in ledger.CreateRunInput) {
	if s.Recorder == nil {
		return
	}
	if _, err := s.Recorder.CreateRun(ctx, in); err != nil {
		logger.WarnContext(ctx, "record run creation failed", slog.Any("error", err))
	}
}

func (s *Service) recordSubmitted(ctx context.Context, logger *slog.Logger, runID string, handle warehouse.JobHandle) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.MarkSubmitted(ctx, runID, handle.JobID, handle.SubmittedAt); err != nil {
		logger.WarnContext(ctx, "record job submission failed", slog.Any("error", err))
	}
}

// ensureDefaults fills unset fields on first use. A Service is shared by
// concurrent callers, so its fields must not change after that.
func (s *Service) ensureDefaults() {
	s.defaultsOnce.Do(s.applyDefaults)
}

func (s *Service) applyDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Sleep == nil {
		s.Sleep = sleepContext
	}
	if s.NewRunID == nil {
		s.NewRunID = uuid.NewString
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.Config.RefreshRate <= 0 {
		s.Config.RefreshRate = 15 * time.Second
	}
	if s.Config.MaxTimeout <= 0 {
		s.Config.MaxTimeout = 4 * time.Hour
	}
	if s.Config.Concurrency <= 0 {
		s.Config.Concurrency = 4
	}
	if s.Config.CancelTimeout <= 0 {
		s.Config.CancelTimeout = 10 * time.Second
	}
}

func (s *Service) withRequestDefaults(req Request) Request {
	if req.RefreshRate <= 0 {
		req.RefreshRate = s.Config.RefreshRate
	}
	if req.MaxTimeout <= 0 {
		req.MaxTimeout = s.Config.MaxTimeout
	}
	if strings.TrimSpace(req.Warehouse) == "" {
		req.Warehouse = DefaultWarehouse
	}
	return req
}

func logProgress(ctx context.Context, logger *slog.Logger, snapshot warehouse.StatusSnapshot, elapsed time.Duration) {
	switch {
	case snapshot.ExecutionTime > time.Second:
		logger.DebugContext(ctx, "job executing", slog.String("execution_time", snapshot.ExecutionTime.String()))
	case snapshot.CompilationTime > time.Second:
		logger.DebugContext(ctx, "job compiling", slog.String("compilation_time", snapshot.CompilationTime.String()))
	default:
		logger.DebugContext(ctx, "job waiting", slog.String("elapsed", elapsed.Round(time.Second).String()), slog.String("status", snapshot.RawStatus))
	}
}

func describeFailure(snapshot warehouse.StatusSnapshot) string {
	switch {
	case snapshot.ErrorCode != "" && snapshot.ErrorMessage != "":
		return snapshot.ErrorCode + " " + snapshot.ErrorMessage
	case snapshot.ErrorMessage != "":
		return snapshot.ErrorMessage
	case snapshot.ErrorCode != "":
		return snapshot.ErrorCode
	default:
		return snapshot.RawStatus
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
