package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema is the relational layout for the Postgres durable store
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS evaluations (
		id               TEXT PRIMARY KEY,
		status           TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		priority         TEXT NOT NULL DEFAULT 'normal',
		source           TEXT NOT NULL,
		runtime          TEXT NOT NULL,
		timeout_s        INTEGER NOT NULL,
		assigned_sandbox TEXT,
		job_name         TEXT,
		exit_code        INTEGER,
		output           TEXT,
		stderr           TEXT,
		error            TEXT,
		retry_count      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations (status)`,
	`CREATE TABLE IF NOT EXISTS dead_letter (
		task_id         TEXT PRIMARY KEY,
		eval_id         TEXT NOT NULL,
		exception_class TEXT NOT NULL,
		message         TEXT NOT NULL,
		traceback       TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		first_ts        TIMESTAMPTZ NOT NULL,
		last_ts         TIMESTAMPTZ NOT NULL,
		metadata_json   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letter_eval ON dead_letter (eval_id)`,
}

// Migrate applies the schema; statements are idempotent
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
