// Package postgres provides a Postgres-backed quarantine store.
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

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "quarantine_records"

// Config controls the Postgres connection pool used for quarantine rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// QuarantineStore persists ErrorRecords in one table.
type QuarantineStore struct {
	pool  pool
	table string
}

// NewQuarantineStore connects to Postgres using cfg.
func NewQuarantineStore(ctx context.Context, cfg Config) (*QuarantineStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("quarantine.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &QuarantineStore{pool: p, table: table}, nil
}

// NewQuarantineStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewQuarantineStoreWithPool(p pool, table string) (*QuarantineStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &QuarantineStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *QuarantineStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the quarantine table if it is missing.
func (s *QuarantineStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	scope_id        TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	failed_fields   TEXT[] NOT NULL DEFAULT '{}',
	action          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_action_idx ON %[1]s (action, created_at);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create quarantine table: %w", err)
	}
	return nil
}

// Insert stores a new record.
func (s *QuarantineStore) Insert(ctx context.Context, rec quarantine.ErrorRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, kind, scope_id, payload, reason, failed_fields,
	action, attempts, last_error, created_at, last_updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		string(rec.Kind),
		rec.ScopeID,
		[]byte(rec.Payload),
		rec.Reason,
		failedFields(rec.FailedFields),
		string(rec.Action),
		rec.Attempts,
		rec.LastError,
		rec.CreatedAt,
		rec.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert quarantine record: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing record.
func (s *QuarantineStore) Update(ctx context.Context, rec quarantine.ErrorRecord) error {
	query := fmt.Sprintf(`
UPDATE %s SET action = $2, attempts = $3, last_error = $4, last_updated_at = $5
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, rec.ID, string(rec.Action), rec.Attempts, rec.LastError, rec.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("update quarantine record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("quarantine record %s: %w", rec.ID, leaderboard.ErrNotFound)
	}
	return nil
}

// Delete removes one record.
func (s *QuarantineStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return fmt.Errorf("delete quarantine record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("quarantine record %s: %w", id, leaderboard.ErrNotFound)
	}
	return nil
}

// List returns matching records oldest first.
func (s *QuarantineStore) List(ctx context.Context, filter quarantine.Filter) ([]quarantine.ErrorRecord, error) {
	query := fmt.Sprintf(`
SELECT id, kind, scope_id, payload, reason, failed_fields,
	action, attempts, last_error, created_at, last_updated_at
FROM %s
WHERE ($1 = '' OR action = $1) AND ($2 = '' OR kind = $2)
ORDER BY created_at, id
LIMIT NULLIF($3, 0)`, s.table)
	rows, err := s.pool.Query(ctx, query, string(filter.Action), string(filter.Kind), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine records: %w", err)
	}
	defer rows.Close()

	var out []quarantine.ErrorRecord
	for rows.Next() {
		var (
			rec     quarantine.ErrorRecord
			kind    string
			action  string
			payload []byte
		)
		if err := rows.Scan(
			&rec.ID, &kind, &rec.ScopeID, &payload, &rec.Reason, &rec.FailedFields,
			&action, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.LastUpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan quarantine record: %w", err)
		}
		rec.Kind = quarantine.Kind(kind)
		rec.Action = quarantine.Action(action)
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantine records: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *QuarantineStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count quarantine records: %w", err)
	}
	return n, nil
}

// DeleteOldest removes up to n of the oldest records.
func (s *QuarantineStore) DeleteOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
DELETE FROM %[1]s WHERE id IN (
	SELECT id FROM %[1]s ORDER BY created_at, id LIMIT $1
)`, s.table)
	tag, err := s.pool.Exec(ctx, query, n)
	if err != nil {
		return 0, fmt.Errorf("prune quarantine records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func failedFields(fields []string) []string {
	if fields == nil {
		return []string{}
	}
	return fields
}
