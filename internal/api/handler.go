package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snowpoll/snowpoll/internal/auth"
	"github.com/snowpoll/snowpoll/internal/config"
	"github.com/snowpoll/snowpoll/internal/ledger"
	"github.com/snowpoll/snowpoll/internal/observability"
	"github.com/snowpoll/snowpoll/internal/runner"
	"github.com/snowpoll/snowpoll/internal/warehouse"
)

type ReadinessCheck func(ctx context.Context) error

type JobRunner interface {
	RunJob(ctx context.Context, req runner.Request) runner.Outcome
}

type RunLedger interface {
	GetRun(ctx context.Context, runID string) (ledger.Run, error)
	ListRuns(ctx context.Context, limit int) ([]ledger.Run, error)
}

type ResultLoader interface {
	Load(ctx context.Context, key string) (warehouse.ResultSet, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Runner            JobRunner
	Ledger            RunLedger
	Results           ResultLoader
	// JobDefaults seeds every submitted request before body overrides apply.
	JobDefaults runner.Request
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	jobBudget := cfg.MaxJobDuration()
	protected := http.NewServeMux()
	protected.Handle("POST /v1/jobs", auth.RequireRole(auth.RoleJobRunner, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRunJob(deps, jobBudget, w, r)
	})))
	protected.Handle("GET /v1/jobs", auth.RequireRole(auth.RoleJobReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleListRuns(deps, w, r)
	})))
	protected.Handle("GET /v1/jobs/{run_id}", auth.RequireRole(auth.RoleJobReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGetRun(deps, w, r)
	})))
	protected.Handle("GET /v1/jobs/{run_id}/result", auth.RequireRole(auth.RoleJobReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGetRunResult(deps, w, r)
	})))

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/jobs", protectedHandler)
	mux.Handle("GET /v1/jobs", protectedHandler)
	mux.Handle("GET /v1/jobs/{run_id}", protectedHandler)
	mux.Handle("GET /v1/jobs/{run_id}/result", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckLedgerDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Ledger.DSN == "" {
			return errors.New("ledger dsn is not configured")
		}
		return nil
	}
}

func CheckSnowflakeConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		return cfg.ValidateSnowflake()
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
