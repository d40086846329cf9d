package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/snowpoll/snowpoll/internal/cli/snowpollctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("SNOWPOLL_CLI_TIMEOUT")), 10*time.Second)
	options := snowpollctl.Options{
		BaseURL: envOr("SNOWPOLL_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("SNOWPOLL_API_KEY")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := snowpollctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid SNOWPOLL_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
