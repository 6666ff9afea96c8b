// Package cache persists transpiler output between builds in a local
// SQLite database.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS transpiled (
    path       TEXT NOT NULL,
    mod_time   INTEGER NOT NULL,
    version    TEXT NOT NULL,
    code       TEXT NOT NULL,
    source_map BLOB NOT NULL,
    stored_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (path)
);
`

// Store is keyed by path. A row is only a hit when its mod time and
// version both match the caller's, so stale rows are overwritten in place.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Lookup(ctx context.Context, path string, modTime time.Time, version string) (string, []byte, bool, error) {
	const q = `SELECT code, source_map FROM transpiled WHERE path = ? AND mod_time = ? AND version = ?`
	var (
		code string
		raw  []byte
	)
	err := s.db.QueryRowContext(ctx, q, path, modTime.UnixNano(), version).Scan(&code, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("cache: lookup %q: %w", path, err)
	}
	return code, raw, true, nil
}

func (s *Store) Store(ctx context.Context, path string, modTime time.Time, version string, code string, sourceMap []byte) error {
	const q = `
		INSERT INTO transpiled (path, mod_time, version, code, source_map, stored_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			mod_time = excluded.mod_time,
			version = excluded.version,
			code = excluded.code,
			source_map = excluded.source_map,
			stored_at = CURRENT_TIMESTAMP`
	if sourceMap == nil {
		sourceMap = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, q, path, modTime.UnixNano(), version, code, sourceMap); err != nil {
		return fmt.Errorf("cache: store %q: %w", path, err)
	}
	return nil
}

// Len reports how many files have cached output.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transpiled").Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM transpiled"); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
