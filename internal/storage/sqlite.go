// Package storage opens the gateway's local SQLite state database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var pragmas = []string{
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA busy_timeout = 5000;",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS seen_callbacks (
  dedupe_key  TEXT PRIMARY KEY,
  msg_type    TEXT NOT NULL,
  from_user   TEXT NOT NULL,
  first_seen  INTEGER NOT NULL,
  expires_at  INTEGER NOT NULL,
  hits        INTEGER NOT NULL DEFAULT 1
);`,
	`CREATE INDEX IF NOT EXISTS seen_callbacks_expires_at_idx ON seen_callbacks(expires_at);`,
}

// OpenSQLite opens or creates the state database at path and bootstraps its
// schema. The path must be on local disk.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := CheckLocalDisk(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates missing tables and indexes.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
