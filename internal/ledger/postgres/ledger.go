// Package postgres provides the Postgres-backed resumability ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Ledger persists ledger entries in Postgres. It tolerates one concurrent
// writer plus any number of readers; uniqueness of remote_id is enforced by
// the table's primary key.
type Ledger struct {
	pool  pool
	table string
}

// New creates a Postgres-backed Ledger using the provided config.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "files"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: p, table: table}, nil
}

// NewWithPool constructs a Ledger from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "files"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Migrate creates the ledger table when it does not exist yet.
func (l *Ledger) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq            BIGSERIAL,
	remote_id      TEXT PRIMARY KEY,
	local_path     TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL,
	origin         TEXT NOT NULL,
	downloaded_at  TIMESTAMPTZ NOT NULL
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Has reports whether remoteID was already downloaded.
func (l *Ledger) Has(ctx context.Context, remoteID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE remote_id = $1)`, l.table)
	var exists bool
	if err := l.pool.QueryRow(ctx, query, remoteID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger has: %w", err)
	}
	return exists, nil
}

// Insert records a completed download. Duplicate remote ids fail with
// ingest.ConflictError and leave the existing row untouched.
func (l *Ledger) Insert(ctx context.Context, entry ingest.LedgerEntry) error {
	if entry.RemoteID == "" {
		return fmt.Errorf("remote id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (remote_id, local_path, size_bytes, origin, downloaded_at)
VALUES ($1, $2, $3, $4, $5)`, l.table)
	args := []any{
		entry.RemoteID,
		entry.LocalPath,
		entry.SizeBytes,
		string(entry.Origin),
		ingest.StampTime(entry.DownloadedAt),
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &ingest.ConflictError{Resource: "ledger entry", Key: entry.RemoteID}
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Count returns the number of entries, optionally filtered by origin.
func (l *Ledger) Count(ctx context.Context, origin ingest.Origin) (int, error) {
	var (
		query string
		args  []any
	)
	if origin == "" {
		query = fmt.Sprintf(`SELECT COUNT(*) FROM %s`, l.table)
	} else {
		query = fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE origin = $1`, l.table)
		args = append(args, string(origin))
	}
	var count int
	if err := l.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger count: %w", err)
	}
	return count, nil
}

// List returns a page of entries in insertion order, optionally filtered by
// origin.
func (l *Ledger) List(ctx context.Context, origin ingest.Origin, offset, limit int) ([]ingest.LedgerEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	var (
		query string
		args  []any
	)
	if origin == "" {
		query = fmt.Sprintf(`
SELECT remote_id, local_path, size_bytes, origin, downloaded_at
FROM %s ORDER BY seq LIMIT $1 OFFSET $2`, l.table)
		args = []any{limit, offset}
	} else {
		query = fmt.Sprintf(`
SELECT remote_id, local_path, size_bytes, origin, downloaded_at
FROM %s WHERE origin = $1 ORDER BY seq LIMIT $2 OFFSET $3`, l.table)
		args = []any{string(origin), limit, offset}
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer rows.Close()

	var entries []ingest.LedgerEntry
	for rows.Next() {
		var (
			entry  ingest.LedgerEntry
			origin string
		)
		if err := rows.Scan(&entry.RemoteID, &entry.LocalPath, &entry.SizeBytes, &origin, &entry.DownloadedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Origin = ingest.Origin(origin)
		entry.DownloadedAt = ingest.StampTime(entry.DownloadedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return entries, nil
}
