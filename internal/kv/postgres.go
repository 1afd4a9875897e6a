package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS tidelog_kv (
  namespace  TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (namespace, key)
);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithPostgresNamespace partitions one table between several devices or
// test runs. The default namespace is "default".
func WithPostgresNamespace(ns string) PostgresOption {
	return func(s *PostgresStore) {
		if strings.TrimSpace(ns) != "" {
			s.namespace = strings.TrimSpace(ns)
		}
	}
}

// PostgresStore backs the client with a shared Postgres database, used on
// vessels whose onboard computer already runs one.
type PostgresStore struct {
	db *sql.DB

	nowFn     func() time.Time
	namespace string
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:        db,
		nowFn:     time.Now,
		namespace: "default",
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate v1: %w", mapPostgresError(err))
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tidelog_kv WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get %q: %w", key, mapPostgresError(err))
	}
	return cloneBytes(value), nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tidelog_kv (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, s.namespace, key, cloneBytes(value), s.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set %q: %w", key, mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tidelog_kv WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	); err != nil {
		return fmt.Errorf("postgres: delete %q: %w", key, mapPostgresError(err))
	}
	return nil
}

// Update serializes on a transaction-scoped advisory lock derived from the
// namespace and key, which also covers keys that do not exist yet.
func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: update %q: begin: %w", key, mapPostgresError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		s.namespace+"/"+key,
	); err != nil {
		return fmt.Errorf("postgres: update %q: lock: %w", key, mapPostgresError(err))
	}

	var current []byte
	found := true
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM tidelog_kv WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current, found = nil, false
	case err != nil:
		return fmt.Errorf("postgres: update %q: read: %w", key, mapPostgresError(err))
	}

	next, err := fn(current, found)
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tidelog_kv (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, s.namespace, key, cloneBytes(next), s.nowFn().UTC()); err != nil {
		return fmt.Errorf("postgres: update %q: write: %w", key, mapPostgresError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: update %q: commit: %w", key, mapPostgresError(err))
	}
	return nil
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (sqlstate %s): %w", pgErr.Message, pgErr.Code, err)
	}
	return err
}
