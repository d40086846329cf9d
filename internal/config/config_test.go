package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("snowpoll-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Job.RefreshRate != 15*time.Second {
		t.Fatalf("Job.RefreshRate = %s", cfg.Job.RefreshRate)
	}
	if cfg.Job.MaxTimeout != 4*time.Hour {
		t.Fatalf("Job.MaxTimeout = %s", cfg.Job.MaxTimeout)
	}
	if !cfg.Job.ExecuteAsync {
		t.Fatal("Job.ExecuteAsync should default to true")
	}
	if cfg.Job.Concurrency != 4 {
		t.Fatalf("Job.Concurrency = %d", cfg.Job.Concurrency)
	}
	if cfg.Archive.Enabled {
		t.Fatal("Archive.Enabled should default to false")
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Ledger.DSN == "" {
		t.Fatal("Ledger.DSN should have a dev default")
	}
	if cfg.Reaper.Interval != time.Minute || cfg.Reaper.Grace != 10*time.Minute || cfg.Reaper.BatchLimit != 100 {
		t.Fatalf("Reaper = %+v", cfg.Reaper)
	}
	if len(cfg.Snowflake.Warehouses) != 0 {
		t.Fatalf("Warehouses = %v", cfg.Snowflake.Warehouses)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("snowpoll-api", mapLookup(map[string]string{"SNOWPOLL_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Ledger.DSN != "" {
		t.Fatalf("Ledger.DSN = %q, want empty in prod", cfg.Ledger.DSN)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
}

func TestLoadTestProfileShortensJobTimings(t *testing.T) {
	cfg, err := Load("snowpoll-api", mapLookup(map[string]string{"SNOWPOLL_PROFILE": "TEST"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Address != ":18080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Job.RefreshRate != time.Second || cfg.Job.MaxTimeout != 5*time.Minute {
		t.Fatalf("Job = %+v", cfg.Job)
	}
	if cfg.Reaper.Interval != 5*time.Second || cfg.Reaper.Grace != 30*time.Second {
		t.Fatalf("Reaper = %+v", cfg.Reaper)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SNOWPOLL_SERVICE_NAME":             "snowpoll-batch",
		"SNOWPOLL_HTTP_ADDR":                ":9090",
		"SNOWPOLL_HTTP_WRITE_TIMEOUT":       "90m",
		"SNOWPOLL_SNOWFLAKE_ACCOUNT":        "acme-xy12345",
		"SNOWPOLL_SNOWFLAKE_USER":           "etl",
		"SNOWPOLL_SNOWFLAKE_PASSWORD":       "secret",
		"SNOWPOLL_SNOWFLAKE_DATABASE":       "ANALYTICS",
		"SNOWPOLL_SNOWFLAKE_SCHEMA":         "PUBLIC",
		"SNOWPOLL_SNOWFLAKE_ROLE":           "REPORTER",
		"SNOWPOLL_SNOWFLAKE_WAREHOUSE":      "COMPUTE_WH",
		"SNOWPOLL_SNOWFLAKE_LOGIN_TIMEOUT":  "30s",
		"SNOWPOLL_WAREHOUSES":               "medium=ANALYTICS_M_WH, large = ANALYTICS_L_WH",
		"SNOWPOLL_JOB_REFRESH_RATE":         "10s",
		"SNOWPOLL_JOB_MAX_TIMEOUT":          "30s",
		"SNOWPOLL_JOB_EXECUTE_ASYNC":        "false",
		"SNOWPOLL_JOB_CONCURRENCY":          "8",
		"SNOWPOLL_JOB_CANCEL_TIMEOUT":       "3s",
		"SNOWPOLL_LEDGER_DSN":               "postgres://ledger",
		"SNOWPOLL_LEDGER_MAX_OPEN_CONNS":    "5",
		"SNOWPOLL_LEDGER_CONN_MAX_LIFETIME": "1h",
		"SNOWPOLL_ARCHIVE_ENABLED":          "true",
		"SNOWPOLL_OBJECTSTORE_BUCKET":       "results",
		"SNOWPOLL_OBJECTSTORE_PREFIX":       "prod/",
		"SNOWPOLL_AUTH_REQUIRED":            "true",
		"SNOWPOLL_AUTH_STATIC_KEYS":         "k1:etl:job_runner",
		"SNOWPOLL_REAPER_INTERVAL":          "2m",
		"SNOWPOLL_REAPER_GRACE":             "0s",
		"SNOWPOLL_REAPER_BATCH_LIMIT":       "25",
		"SNOWPOLL_LOG_LEVEL":                "warning",
		"SNOWPOLL_LOG_JSON":                 "false",
	})

	cfg, err := Load("snowpoll-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "snowpoll-batch" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9090" || cfg.HTTP.WriteTimeout != 90*time.Minute {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Snowflake.Account != "acme-xy12345" || cfg.Snowflake.User != "etl" || cfg.Snowflake.Role != "REPORTER" {
		t.Fatalf("Snowflake = %+v", cfg.Snowflake)
	}
	if cfg.Snowflake.LoginTimeout != 30*time.Second {
		t.Fatalf("Snowflake.LoginTimeout = %s", cfg.Snowflake.LoginTimeout)
	}
	if cfg.Snowflake.Warehouses["MEDIUM"] != "ANALYTICS_M_WH" || cfg.Snowflake.Warehouses["LARGE"] != "ANALYTICS_L_WH" {
		t.Fatalf("Warehouses = %v", cfg.Snowflake.Warehouses)
	}
	if aliases := cfg.WarehouseAliases(); strings.Join(aliases, ",") != "LARGE,MEDIUM" {
		t.Fatalf("WarehouseAliases() = %v", aliases)
	}
	if cfg.Job.RefreshRate != 10*time.Second || cfg.Job.MaxTimeout != 30*time.Second {
		t.Fatalf("Job timings = %+v", cfg.Job)
	}
	if cfg.Job.ExecuteAsync {
		t.Fatal("Job.ExecuteAsync should be overridden to false")
	}
	if cfg.Job.Concurrency != 8 || cfg.Job.CancelTimeout != 3*time.Second {
		t.Fatalf("Job = %+v", cfg.Job)
	}
	if cfg.Ledger.DSN != "postgres://ledger" || cfg.Ledger.MaxOpenConns != 5 || cfg.Ledger.ConnMaxLifetime != time.Hour {
		t.Fatalf("Ledger = %+v", cfg.Ledger)
	}
	if !cfg.Archive.Enabled {
		t.Fatal("Archive.Enabled should be true")
	}
	if cfg.ObjectStore.Bucket != "results" || cfg.ObjectStore.Prefix != "prod/" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:etl:job_runner" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Reaper.Interval != 2*time.Minute || cfg.Reaper.Grace != 0 || cfg.Reaper.BatchLimit != 25 {
		t.Fatalf("Reaper = %+v", cfg.Reaper)
	}
	if cfg.Observability.LogLevel != slog.LevelWarn || cfg.Observability.LogJSON {
		t.Fatalf("Observability = %+v", cfg.Observability)
	}
	if err := cfg.ValidateSnowflake(); err != nil {
		t.Fatalf("ValidateSnowflake() error = %v", err)
	}
}

func TestValidateSnowflakeReportsMissingSettings(t *testing.T) {
	cfg, err := Load("snowpoll-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	err = cfg.ValidateSnowflake()
	if err == nil {
		t.Fatal("expected missing settings error")
	}
	if !strings.Contains(err.Error(), "SNOWPOLL_SNOWFLAKE_ACCOUNT") || !strings.Contains(err.Error(), "SNOWPOLL_SNOWFLAKE_USER") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"SNOWPOLL_PROFILE": "oops"},
		{"SNOWPOLL_HTTP_READ_TIMEOUT": "NaN"},
		{"SNOWPOLL_JOB_REFRESH_RATE": "0s"},
		{"SNOWPOLL_JOB_MAX_TIMEOUT": "-1m"},
		{"SNOWPOLL_JOB_CONCURRENCY": "0"},
		{"SNOWPOLL_JOB_MAX_TIMEOUT": "5h"},
		{"SNOWPOLL_HTTP_WRITE_TIMEOUT": "2m", "SNOWPOLL_JOB_MAX_TIMEOUT": "1m30s"},
		{"SNOWPOLL_JOB_EXECUTE_ASYNC": "not-bool"},
		{"SNOWPOLL_LEDGER_MAX_OPEN_CONNS": "oops"},
		{"SNOWPOLL_SNOWFLAKE_WAREHOUSE": "wh; DROP TABLE x"},
		{"SNOWPOLL_WAREHOUSES": "medium"},
		{"SNOWPOLL_WAREHOUSES": "medium=bad name"},
		{"SNOWPOLL_AUTH_REQUIRED": "not-bool"},
		{"SNOWPOLL_REAPER_INTERVAL": "0s"},
		{"SNOWPOLL_REAPER_GRACE": "-1m"},
		{"SNOWPOLL_REAPER_BATCH_LIMIT": "0"},
		{"SNOWPOLL_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("snowpoll-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestMaxJobDurationLeavesResponseMargin(t *testing.T) {
	cfg, err := Load("snowpoll-api", mapLookup(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.MaxJobDuration(); got != 4*time.Hour+4*time.Minute {
		t.Fatalf("MaxJobDuration() = %s", got)
	}

	cfg, err = Load("snowpoll-api", mapLookup(map[string]string{
		"SNOWPOLL_HTTP_WRITE_TIMEOUT": "0s",
		"SNOWPOLL_JOB_MAX_TIMEOUT":    "12h",
	}))
	if err != nil {
		t.Fatalf("Load() without write timeout error = %v", err)
	}
	if got := cfg.MaxJobDuration(); got != 0 {
		t.Fatalf("MaxJobDuration() = %s, want 0 without a write timeout", got)
	}
}

func TestLoadRequiresLookup(t *testing.T) {
	if _, err := Load("snowpoll-api", nil); err == nil {
		t.Fatal("expected error for nil lookup")
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
