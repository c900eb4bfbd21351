package store

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	machine TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	cwd TEXT NOT NULL DEFAULT '',
	session TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	ended_at TEXT,
	exit_code INTEGER,
	hang_flagged INTEGER NOT NULL DEFAULT 0,
	presumed_lost_at TEXT,
	category TEXT NOT NULL CHECK(category IN ('ongoing','hanging','crashed','completed','unknown')),
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_category ON runs(category);
CREATE INDEX IF NOT EXISTS runs_last_seen ON runs(last_seen_at);

CREATE TABLE IF NOT EXISTS run_events (
	event_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('started','trigger_matched','completed','heartbeat','presumed_lost')),
	event_time TEXT NOT NULL,
	ingested_at TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	payload TEXT,
	UNIQUE(run_id, kind, dedupe_key),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS run_triggers (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	class TEXT NOT NULL CHECK(class IN ('hang','info')),
	excerpt TEXT NOT NULL DEFAULT '',
	fired_at TEXT NOT NULL,
	PRIMARY KEY(run_id, name),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS run_triggers;
DROP TABLE IF EXISTS run_events;
DROP TABLE IF EXISTS runs;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
