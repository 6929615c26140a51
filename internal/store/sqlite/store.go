// Package sqlite implements the job.Store port on a single SQLite database
// file using the pure-Go modernc.org driver. One file holds jobs, batches,
// the media cache, and the event log; the schema is applied at Open.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"

	_ "modernc.org/sqlite" // database/sql driver
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check that Store implements job.Store.
var _ job.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. The parent directory is created when missing.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// WAL lets readers proceed during writes; the busy timeout absorbs
	// writer contention between the worker pools.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -20000",
		"PRAGMA foreign_keys = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// run executes fn, retrying once when the pool handed out a dead connection.
func run(fn func() error) error {
	err := fn()
	if errors.Is(err, sql.ErrConnDone) {
		return fn()
	}
	return err
}

// Timestamps are stored as Unix milliseconds; zero times map to NULL.

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeAt(ms int64) time.Time { return time.UnixMilli(ms) }

func timeOrZero(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringOrEmpty(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

// jsonColumn marshals v for a TEXT column. Nil pointers and nil slices map
// to NULL; empty non-nil slices round-trip as "[]".
func jsonColumn(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case []job.Keyframe:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *job.AudioAnalysis:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlite: encoding json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(v sql.NullString, target any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.String), target); err != nil {
		return fmt.Errorf("sqlite: decoding json column: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ..." with n entries for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// statusArgs converts statuses to driver args for an IN clause.
func statusArgs(statuses []job.Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}
