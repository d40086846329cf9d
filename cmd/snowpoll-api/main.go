package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snowpoll/snowpoll/internal/api"
	"github.com/snowpoll/snowpoll/internal/archive"
	"github.com/snowpoll/snowpoll/internal/auth"
	"github.com/snowpoll/snowpoll/internal/config"
	ledgerpostgres "github.com/snowpoll/snowpoll/internal/ledger/postgres"
	"github.com/snowpoll/snowpoll/internal/observability"
	"github.com/snowpoll/snowpoll/internal/runner"
	s3store "github.com/snowpoll/snowpoll/internal/storage/s3"
	"github.com/snowpoll/snowpoll/internal/tabular/duckdb"
	"github.com/snowpoll/snowpoll/internal/warehouse/snowflake"
)

func main() {
	cfg, err := config.LoadFromEnv("snowpoll-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)
	if err := cfg.ValidateSnowflake(); err != nil {
		logger.Error("invalid snowflake config", slog.Any("error", err))
		os.Exit(1)
	}

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

	service := &runner.Service{
		Connector: connector,
		Tabulator: duckdb.NewTabulator(),
		Logger:    logger,
		Config: runner.Config{
			RefreshRate:   cfg.Job.RefreshRate,
			MaxTimeout:    cfg.Job.MaxTimeout,
			Warehouse:     cfg.Snowflake.Warehouse,
			Warehouses:    cfg.Snowflake.Warehouses,
			Concurrency:   cfg.Job.Concurrency,
			CancelTimeout: cfg.Job.CancelTimeout,
		},
	}
	readiness := []api.ReadinessCheck{connector.HealthCheck}
	deps := api.Dependencies{
		Logger:            logger,
		Runner:            service,
		DependencyTimeout: 5 * time.Second,
		JobDefaults: runner.Request{
			RefreshRate:  cfg.Job.RefreshRate,
			MaxTimeout:   cfg.Job.MaxTimeout,
			Warehouse:    runner.DefaultWarehouse,
			ExecuteAsync: cfg.Job.ExecuteAsync,
		},
	}

	if cfg.Ledger.DSN != "" {
		ledgerDB, err := ledgerpostgres.Open(context.Background(), ledgerpostgres.DBConfig{
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
		defer func() { _ = ledgerDB.Close() }()

		repo := ledgerpostgres.NewRepository(ledgerDB)
		service.Recorder = repo
		deps.Ledger = repo
		readiness = append(readiness, repo.HealthCheck)
	} else {
		logger.Warn("ledger dsn not configured; runs will not be recorded")
	}

	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver := archive.New(objectStore)
		service.Archiver = archiver
		deps.Results = archiver
		readiness = append(readiness, archiver.HealthCheck)
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if validator.Len() == 0 {
			logger.Error("auth required but SNOWPOLL_AUTH_STATIC_KEYS is empty")
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		BaseContext:  func(net.Listener) context.Context { return jobsCtx },
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Any("warehouse_aliases", cfg.WarehouseAliases()),
			slog.Bool("archive", cfg.Archive.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	// Running jobs are cancelled on the warehouse before their responses are flushed.
	cancelJobs()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Job.CancelTimeout+10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
