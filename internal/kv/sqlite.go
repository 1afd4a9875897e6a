package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

// sqliteMigrations are applied in order; the database's user_version is
// the number already applied.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS kv_items (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_kv_items_updated ON kv_items(updated_at);`,
}

// synchronous=FULL: a queued trip must survive power loss right after Set
// returns.
var sqlitePragmas = []string{
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
}

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSQLiteBusyRetries sets how many times a write is retried when the
// database is locked by another connection.
func WithSQLiteBusyRetries(n int, wait time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if n >= 0 {
			s.busyRetries = n
		}
		if wait > 0 {
			s.busyWait = wait
		}
	}
}

type SQLiteStore struct {
	db *sql.DB

	nowFn       func() time.Time
	busyRetries int
	busyWait    time.Duration
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:          db,
		nowFn:       time.Now,
		busyRetries: 3,
		busyWait:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("sqlite: enable wal: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", mode)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite: %s %w", pragma, err)
		}
	}
	return s.migrate(ctx)
}

// migrate applies the pending schema steps in one transaction.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applied int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if applied > len(sqliteMigrations) {
		return fmt.Errorf("sqlite: database schema v%d is newer than this build (v%d)", applied, len(sqliteMigrations))
	}
	if applied == len(sqliteMigrations) {
		return nil
	}
	for i := applied; i < len(sqliteMigrations); i++ {
		if _, err := tx.ExecContext(ctx, sqliteMigrations[i]); err != nil {
			return fmt.Errorf("sqlite: migrate v%d: %w", i+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d;", len(sqliteMigrations))); err != nil {
		return fmt.Errorf("sqlite: write user_version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_items WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	return cloneBytes(value), nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_items (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, key, cloneBytes(value), s.nowFn().UnixNano())
		if err != nil {
			return fmt.Errorf("sqlite: set %q: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return s.withBusyRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("sqlite: delete %q: %w", key, err)
		}
		return nil
	})
}

// Update holds a write transaction (BEGIN IMMEDIATE) across the read and
// the write, so other connections to the same file wait for it.
func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return s.withBusyRetry(ctx, func() error {
		return s.update(ctx, key, fn)
	})
}

func (s *SQLiteStore) update(ctx context.Context, key string, fn UpdateFunc) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: update %q: %w", key, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return fmt.Errorf("sqlite: update %q: begin: %w", key, err)
	}
	done := false
	defer func() {
		if !done {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK;")
		}
	}()

	var current []byte
	found := true
	err = conn.QueryRowContext(ctx, `SELECT value FROM kv_items WHERE key = ?;`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current, found = nil, false
	case err != nil:
		return fmt.Errorf("sqlite: update %q: read: %w", key, err)
	}

	next, err := fn(current, found)
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `
INSERT INTO kv_items (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, key, cloneBytes(next), s.nowFn().UnixNano()); err != nil {
		return fmt.Errorf("sqlite: update %q: write: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return fmt.Errorf("sqlite: update %q: commit: %w", key, err)
	}
	done = true
	return nil
}

func (s *SQLiteStore) withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= s.busyRetries; i++ {
		err = fn()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.busyWait):
		}
	}
	return err
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes carry the base code in the lower 8 bits.
	const (
		sqliteBusy   = 5
		sqliteLocked = 6
	)
	code := sqliteErr.Code() & 0xff
	return code == sqliteBusy || code == sqliteLocked
}
