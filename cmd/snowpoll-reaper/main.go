package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/snowpoll/snowpoll/internal/config"
	ledgerpostgres "github.com/snowpoll/snowpoll/internal/ledger/postgres"
	"github.com/snowpoll/snowpoll/internal/maintenance"
	"github.com/snowpoll/snowpoll/internal/observability"
	"github.com/snowpoll/snowpoll/internal/warehouse/snowflake"
)

func main() {
	cfg, err := config.LoadFromEnv("snowpoll-reaper")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Ledger.DSN == "" {
		logger.Error("SNOWPOLL_LEDGER_DSN is required")
		os.Exit(1)
	}
	if err := cfg.ValidateSnowflake(); err != nil {
		logger.Error("invalid snowflake config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := ledgerpostgres.Open(context.Background(), ledgerpostgres.DBConfig{
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxIdleTime: cfg.Ledger.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open ledger db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	connector, err := snowflake.Open(snowflake.Config{
		Account:      cfg.Snowflake.Account,
		User:         cfg.Snowflake.User,
		Password:     cfg.Snowflake.Password,
		Database:     cfg.Snowflake.Database,
		Schema:       cfg.Snowflake.Schema,
		Role:         cfg.Snowflake.Role,
		Warehouse:    cfg.Snowflake.Warehouse,
		LoginTimeout: cfg.Snowflake.LoginTimeout,
		Application:  cfg.Service.Name,
	})
	if err != nil {
		logger.Error("failed to open snowflake connector", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = connector.Close() }()

	svc := &maintenance.Service{
		Runs:      ledgerpostgres.NewRepository(db),
		Connector: connector,
		Config: maintenance.Config{
			Interval:      cfg.Reaper.Interval,
			Grace:         cfg.Reaper.Grace,
			BatchLimit:    cfg.Reaper.BatchLimit,
			CancelTimeout: cfg.Job.CancelTimeout,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("reaper worker started", slog.Duration("interval", cfg.Reaper.Interval), slog.Duration("grace", cfg.Reaper.Grace))
	if err := svc.Run(ctx); err != nil {
		logger.Error("reaper worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("reaper worker stopped")
}
