// Package store is the single source of truth for all doppel entities,
// backed by an embedded SQLite database inside $STATE_DIR.
//
// Concurrency model: one *sql.DB with SetMaxOpenConns(1) serializes every
// statement through a single connection, so in-process transactions never
// deadlock each other; cross-process contention is absorbed by busy_timeout
// plus the retry loop in WithTx. Callbacks passed to WithTx must only touch
// the provided Tx, never the Store, or they will stall the pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/types"
)

// txRetries bounds WithTx retry attempts on SQLITE_BUSY.
const txRetries = 5

// Store wraps the SQLite database and the clock all timestamps come from.
type Store struct {
	db     *sql.DB
	dbPath string
	clock  ids.Clock
}

// Tx is a transaction-scoped view of the store. Entity methods mirror the
// Store methods; use whichever matches the calling context.
type Tx struct {
	tx    *sql.Tx
	clock ids.Clock
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so each query is written
// exactly once.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. A nil clock means the system clock. Use ":memory:" in tests.
func Open(path string, clock ids.Clock) (*Store, error) {
	if clock == nil {
		clock = ids.SystemClock()
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, clock: clock}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Debug("store opened", zap.String("path", path))
	return s, nil
}

// configure applies connection pragmas.
func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	// WAL needs a real file behind it.
	if s.dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// now returns the current time in epoch milliseconds.
func (s *Store) now() int64 { return s.clock.Now().UnixMilli() }

func (t *Tx) now() int64 { return t.clock.Now().UnixMilli() }

// WithTx runs fn inside a transaction, committing on nil return. Busy
// errors retry up to txRetries times with a short backoff; any other error
// rolls back and is returned wrapped.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	wrapped := &Tx{tx: tx, clock: s.clock}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// isBusy reports whether err looks like SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked (5)")
}

// marshalJSON encodes v to the TEXT representation stored in JSON columns.
// Nil and empty values encode as "" so scans stay symmetric.
func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	text := string(data)
	if text == "null" || text == "[]" || text == "{}" {
		return ""
	}
	return text
}

// unmarshalJSON decodes a TEXT column into out, tolerating "".
func unmarshalJSON(text string, out any) {
	if text == "" {
		return
	}
	_ = json.Unmarshal([]byte(text), out)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFoundOr maps sql.ErrNoRows to types.ErrNotFound and wraps anything else.
func notFoundOr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// prefixed qualifies every column in a comma-separated list with a table
// alias, for joins that reuse a shared column constant.
func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
