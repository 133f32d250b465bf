// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

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

	_ "modernc.org/sqlite"
)

// Schema is the key-value table. updated_at orders session listings.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at);
`

// DefaultMaxSessions bounds the archive.
const DefaultMaxSessions = 100

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed key-value store.
type Store struct {
	db   *sql.DB
	path string

	// MaxSessions limits archived sessions (0 = unlimited).
	MaxSessions int
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path, MaxSessions: DefaultMaxSessions}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// KEY-VALUE PRIMITIVES
// =============================================================================

// Get decodes the value at key into out.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Put stores v as JSON at key.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	return s.put(ctx, key, v, time.Now())
}

func (s *Store) put(ctx context.Context, key string, v any, updated time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), updated.UnixNano())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

// Keys returns the keys starting with prefix, most recently updated first.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY updated_at DESC",
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// =============================================================================
// FLAGS
// =============================================================================

const (
	flagPrefix = "flag:"

	// FlagDisclaimer records that the disclaimer was acknowledged.
	FlagDisclaimer = "seen_disclaimer"
)

// ChangelogFlag returns the flag recording that the changelog for version
// was shown.
func ChangelogFlag(version string) string {
	return "seen_changelog:" + strings.TrimPrefix(version, "v")
}

// Seen reports whether flag is set. Errors read as unset.
func (s *Store) Seen(ctx context.Context, flag string) bool {
	var v bool
	if err := s.Get(ctx, flagPrefix+flag, &v); err != nil {
		return false
	}
	return v
}

// MarkSeen sets flag.
func (s *Store) MarkSeen(ctx context.Context, flag string) error {
	return s.Put(ctx, flagPrefix+flag, true)
}
