// Package sqlite provides a key-value persistence backend on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL
);`

// KVStore persists values in a single SQLite table.
type KVStore struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path, creating parent directories.
func Open(ctx context.Context, path string) (*KVStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &KVStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *KVStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Put upserts value and metadata under key.
func (s *KVStore) Put(ctx context.Context, key string, value []byte, meta map[string]string) error {
	if key == "" {
		return errors.New("put: empty key")
	}
	if meta == nil {
		meta = map[string]string{}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, metadata, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		key, value, string(encoded), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get returns the value and metadata stored under key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	var (
		value   []byte
		rawMeta string
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, metadata FROM kv WHERE key = ?`, key).Scan(&value, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("get %q: %w", key, leaderboard.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get %q: %w", key, err)
	}
	meta := map[string]string{}
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata for %q: %w", key, err)
	}
	return value, meta, nil
}
