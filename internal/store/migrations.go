package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all ledger tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		batch_id     TEXT NOT NULL DEFAULT '',
		deck_path    TEXT NOT NULL,
		deck_name    TEXT NOT NULL,
		sink_dir     TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'PARSED',
		report_path  TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		variables    TEXT NOT NULL DEFAULT '{}',
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS run_steps (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		step_type    TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'PENDING',
		parameters   TEXT NOT NULL DEFAULT '{}',
		outputs      TEXT NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS batch_failures (
		batch_id  TEXT NOT NULL,
		deck_path TEXT NOT NULL,
		run_id    TEXT NOT NULL DEFAULT '',
		code      TEXT NOT NULL,
		message   TEXT NOT NULL,
		failed_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_batch_id ON runs(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_failures_batch_id ON batch_failures(batch_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
