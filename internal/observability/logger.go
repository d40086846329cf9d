package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/snowpoll/snowpoll/internal/config"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	runIDKey   ctxKey = "run_id"
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// JobLogger scopes a logger to one job run, picking up the request trace id when present.
func JobLogger(ctx context.Context, logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	attrs := []any{slog.String("run_id", runID)}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	return logger.With(attrs...)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(runIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
