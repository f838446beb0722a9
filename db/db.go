// Package db provides the SQLite connection, schema migration, and the session
// ledger: the durable per-(user, guild) voice time records everything else is
// built on.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite driver registered as 'sqlite3'
)

// Open opens a SQLite database at the given path (or ":memory:" for tests).
// WAL mode and a busy timeout keep the single-writer model workable for the
// concurrent ingestion path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)
	dbc, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; extra connections only buy lock errors.
	dbc.SetMaxOpenConns(1)
	return dbc, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded fallback for deployments without the versioned migration
// table; RunMigrations (migrate.go) is the primary path.
func Migrate(ctx context.Context, dbc *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_time (
			user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			total_time INTEGER NOT NULL DEFAULT 0,
			session_start INTEGER,
			sessions INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			PRIMARY KEY (user_id, guild_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_time_guild ON voice_time(guild_id)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_time_open ON voice_time(guild_id) WHERE session_start IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS user_levels (
			user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			xp INTEGER NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 0,
			last_xp_gain INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, guild_id)
		)`,
	}
	for i, s := range stmts {
		if _, err := dbc.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("sqlite migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
