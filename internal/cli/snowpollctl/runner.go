package snowpollctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// runSlack is added to the job timeout so the server can answer after cancelling.
const runSlack = 2 * time.Minute

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
	// ReadFile loads -file arguments; os.ReadFile when nil.
	ReadFile func(name string) ([]byte, error)
}

type request struct {
	method  string
	path    string
	body    []byte
	timeout time.Duration
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("snowpollctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "snowpoll API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout for control commands (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	var (
		req request
		err error
	)
	switch command {
	case "health":
		req = request{method: http.MethodGet, path: "/v1/health", timeout: *timeout}
	case "ready":
		req = request{method: http.MethodGet, path: "/v1/ready", timeout: *timeout}
	case "run":
		req, err = buildRunRequest(rest, defaults, stderr)
	case "runs":
		req, err = buildListRequest(rest, *timeout, stderr)
	case "run-status":
		req, err = buildRunLookup(rest, "", *timeout)
	case "run-result":
		req, err = buildRunLookup(rest, "/result", *timeout)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		if err != flag.ErrHelp {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", command, err)
		}
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: req.timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRunRequest(args []string, defaults Options, stderr io.Writer) (request, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sqlText := fs.String("sql", "", "SQL text to run")
	file := fs.String("file", "", "path to a file containing the SQL text")
	warehouseName := fs.String("warehouse", "", "warehouse name or alias")
	refreshRate := fs.Duration("refresh-rate", 0, "poll interval (server default when 0)")
	maxTimeout := fs.Duration("max-timeout", 0, "job timeout (server default when 0)")
	sync := fs.Bool("sync", false, "submit synchronously instead of async")
	archive := fs.Bool("archive", false, "archive the result to object storage")
	transform := fs.String("transform", "", "SQL to run against the result table form")
	if err := fs.Parse(args); err != nil {
		return request{}, err
	}

	query := strings.TrimSpace(*sqlText)
	if *file != "" {
		if query != "" {
			return request{}, fmt.Errorf("use only one of -sql or -file")
		}
		readFile := defaults.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		raw, err := readFile(*file)
		if err != nil {
			return request{}, fmt.Errorf("read sql file: %w", err)
		}
		query = strings.TrimSpace(string(raw))
	}
	if query == "" {
		return request{}, fmt.Errorf("-sql or -file is required")
	}

	payload := map[string]any{"sql": query}
	if *warehouseName != "" {
		payload["warehouse"] = *warehouseName
	}
	if *refreshRate > 0 {
		payload["refresh_rate"] = refreshRate.String()
	}
	if *maxTimeout > 0 {
		payload["max_timeout"] = maxTimeout.String()
	}
	if *sync {
		payload["execute_async"] = false
	}
	if *archive {
		payload["archive"] = true
	}
	if *transform != "" {
		payload["transform_sql"] = *transform
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}

	timeout := durationOr(*maxTimeout, 4*time.Hour) + runSlack
	return request{method: http.MethodPost, path: "/v1/jobs", body: body, timeout: timeout}, nil
}

func buildListRequest(args []string, timeout time.Duration, stderr io.Writer) (request, error) {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "maximum number of runs (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return request{}, err
	}
	path := "/v1/jobs"
	if *limit > 0 {
		path += "?limit=" + strconv.Itoa(*limit)
	}
	return request{method: http.MethodGet, path: path, timeout: timeout}, nil
}

func buildRunLookup(args []string, suffix string, timeout time.Duration) (request, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return request{}, fmt.Errorf("exactly one run id is required")
	}
	path := "/v1/jobs/" + url.PathEscape(strings.TrimSpace(args[0])) + suffix
	return request{method: http.MethodGet, path: path, timeout: timeout}, nil
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: snowpollctl [flags] <command> [command flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  run -sql|-file         POST /v1/jobs (blocks until the job ends)")
	_, _ = fmt.Fprintln(w, "  runs [-limit n]        GET /v1/jobs")
	_, _ = fmt.Fprintln(w, "  run-status <run_id>    GET /v1/jobs/{run_id}")
	_, _ = fmt.Fprintln(w, "  run-result <run_id>    GET /v1/jobs/{run_id}/result")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
