package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all stepflow tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		owner_id              TEXT PRIMARY KEY,
		last_checkpoint_batch INTEGER NOT NULL DEFAULT 0,
		latest_batch          INTEGER NOT NULL DEFAULT 0,
		total_records         INTEGER,
		step_id               INTEGER NOT NULL DEFAULT 0,
		last_validation_batch INTEGER NOT NULL DEFAULT 0,
		updated_at            TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS training_metrics (
		owner_id      TEXT NOT NULL,
		step_id       INTEGER NOT NULL,
		latest_batch  INTEGER NOT NULL,
		total_records INTEGER,
		avg_metrics   TEXT NOT NULL DEFAULT '{}',
		batch_metrics TEXT NOT NULL DEFAULT '[]',
		created_at    TEXT NOT NULL,
		PRIMARY KEY (owner_id, step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS validations (
		owner_id      TEXT NOT NULL,
		latest_batch  INTEGER NOT NULL,
		total_records INTEGER,
		metrics       TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL,
		PRIMARY KEY (owner_id, latest_batch)
	)`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		storage_id   TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		latest_batch INTEGER NOT NULL,
		resources    TEXT NOT NULL DEFAULT '{}',
		framework    TEXT NOT NULL DEFAULT '',
		format       TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS run_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_validations_owner ON validations(owner_id, latest_batch)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_owner ON checkpoints(owner_id, latest_batch)`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_owner ON run_events(owner_id)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
