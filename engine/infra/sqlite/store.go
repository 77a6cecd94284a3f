package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// timeLayout is a fixed-width UTC format so lexicographic comparison in SQL
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// fallbackBusyTimeout applies when no busy timeout is configured.
const fallbackBusyTimeout = 5 * time.Second

// buildDSN renders the connection string with the pragmas every connection
// needs. _txlock=immediate makes every transaction take the write lock up
// front, which is the locking discipline the claim CAS relies on.
func buildDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = fallbackBusyTimeout
	}
	pragmas := "_txlock=immediate" +
		fmt.Sprintf("&_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()) +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)"
	if path == ":memory:" {
		return "file::memory:?cache=shared&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// Store owns the database handle. database/sql hands each transaction its
// own pooled connection, so no writer shares a locking scope.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating parent directories if needed) and pings the
// database at path. busyTimeout bounds lock waits; zero applies the
// default.
func NewStore(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", buildDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// SQLite allows one writer at a time; a small pool keeps readers cheap
	// without piling up lock contention.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	logger.FromContext(ctx).Debug("sqlite store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying handle for migrations and repositories.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close releases the connection pool.
func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close database: %w", err)
	}
	logger.FromContext(ctx).Debug("sqlite store closed", "path", s.path)
	return nil
}

// --- shared helpers ---

// ToJSONText marshals v for storage in a TEXT column; nil maps become NULL.
func ToJSONText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlite: marshal json text: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// FromJSONText unmarshals a TEXT column into out; NULL leaves out untouched.
func FromJSONText(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), out); err != nil {
		return fmt.Errorf("sqlite: unmarshal json text: %w", err)
	}
	return nil
}

// questionList builds a "?,?,?" placeholder list of length n.
func questionList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate rows written by other tooling.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rollback logs rollback failures instead of masking the original error.
func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logger.FromContext(ctx).Warn("sqlite: rollback failed", "error", err)
	}
}
