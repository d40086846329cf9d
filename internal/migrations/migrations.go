package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	historyTable = "snowpoll_schema_migrations"
	// lockKey is the pg advisory lock held while a Runner changes the schema,
	// so the API, reaper and migrate binaries can start together.
	lockKey int64 = 0x736e6f77706f6c6c
)

var (
	ErrChecksumMismatch = errors.New("migrations: applied script differs from source")
	ErrUnknownVersion   = errors.New("migrations: applied version missing from source")
)

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Runner applies the ledger schema scripts found under sql/ in its FS.
type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type Status struct {
	Applied []int64
	Pending []int64
	// Drifted lists applied versions whose up script no longer matches the
	// recorded checksum.
	Drifted []int64
}

type script struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

type appliedScript struct {
	Version  int64
	Checksum string
}

func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	scripts, err := readScripts(r.fsys)
	if err != nil {
		return 0, err
	}
	applied := 0
	err = withSchemaLock(ctx, db, func(conn *sql.Conn) error {
		history, err := readHistory(ctx, conn)
		if err != nil {
			return err
		}
		status, err := compare(scripts, history)
		if err != nil {
			return err
		}
		if len(status.Drifted) > 0 {
			return fmt.Errorf("%w: versions %v", ErrChecksumMismatch, status.Drifted)
		}
		for _, version := range status.Pending {
			if steps > 0 && applied >= steps {
				break
			}
			item := scriptFor(scripts, version)
			if err := execInTx(ctx, conn, item.Up,
				`INSERT INTO `+historyTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				item.Version, item.Name, item.Checksum,
			); err != nil {
				return fmt.Errorf("apply migration %d_%s: %w", item.Version, item.Name, err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the newest applied versions; steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	scripts, err := readScripts(r.fsys)
	if err != nil {
		return 0, err
	}
	rolledBack := 0
	err = withSchemaLock(ctx, db, func(conn *sql.Conn) error {
		history, err := readHistory(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(history) - 1; i >= 0 && rolledBack < steps; i-- {
			item := scriptFor(scripts, history[i].Version)
			if item.Version == 0 {
				return fmt.Errorf("%w: %d", ErrUnknownVersion, history[i].Version)
			}
			if err := execInTx(ctx, conn, item.Down,
				`DELETE FROM `+historyTable+` WHERE version = $1`,
				item.Version,
			); err != nil {
				return fmt.Errorf("roll back migration %d_%s: %w", item.Version, item.Name, err)
			}
			rolledBack++
		}
		return nil
	})
	return rolledBack, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	scripts, err := readScripts(r.fsys)
	if err != nil {
		return Status{}, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := ensureHistoryTable(ctx, conn); err != nil {
		return Status{}, err
	}
	history, err := readHistory(ctx, conn)
	if err != nil {
		return Status{}, err
	}
	return compare(scripts, history)
}

func withSchemaLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if err := ensureHistoryTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func ensureHistoryTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+historyTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("ensure migration history table: %w", err)
	}
	return nil
}

func readHistory(ctx context.Context, conn *sql.Conn) ([]appliedScript, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM `+historyTable+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := make([]appliedScript, 0)
	for rows.Next() {
		var item appliedScript
		if err := rows.Scan(&item.Version, &item.Checksum); err != nil {
			return nil, fmt.Errorf("scan migration history: %w", err)
		}
		history = append(history, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration history: %w", err)
	}
	return history, nil
}

func execInTx(ctx context.Context, conn *sql.Conn, body, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("update history: %w", err)
	}
	return tx.Commit()
}

func compare(scripts []script, history []appliedScript) (Status, error) {
	status := Status{Applied: make([]int64, 0, len(history))}
	seen := make(map[int64]bool, len(history))
	for _, item := range history {
		source := scriptFor(scripts, item.Version)
		if source.Version == 0 {
			return Status{}, fmt.Errorf("%w: %d", ErrUnknownVersion, item.Version)
		}
		seen[item.Version] = true
		status.Applied = append(status.Applied, item.Version)
		if source.Checksum != item.Checksum {
			status.Drifted = append(status.Drifted, item.Version)
		}
	}
	for _, item := range scripts {
		if !seen[item.Version] {
			status.Pending = append(status.Pending, item.Version)
		}
	}
	return status, nil
}

func scriptFor(scripts []script, version int64) script {
	i, found := slices.BinarySearchFunc(scripts, version, func(item script, v int64) int {
		return cmp.Compare(item.Version, v)
	})
	if !found {
		return script{}
	}
	return scripts[i]
}

// readScripts pairs NNN_name.up.sql with NNN_name.down.sql and returns them
// ordered by version. Both halves are required.
func readScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := make(map[int64]*script)
	for _, entry := range entries {
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid migration version in %q", entry.Name())
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &script{Version: version, Name: match[2]}
			byVersion[version] = item
		}
		if item.Name != match[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, match[2])
		}
		if match[3] == "up" {
			item.Up = string(body)
		} else {
			item.Down = string(body)
		}
	}

	scripts := make([]script, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.Up) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.Down) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		sum := sha256.Sum256([]byte(item.Up))
		item.Checksum = hex.EncodeToString(sum[:])
		scripts = append(scripts, *item)
	}
	slices.SortFunc(scripts, func(a, b script) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return scripts, nil
}
