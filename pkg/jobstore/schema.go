package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the job schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			started_by TEXT NOT NULL,
			cancelled_by TEXT,
			started_at TEXT NOT NULL,
			stopped_at TEXT,
			cancelled INTEGER NOT NULL DEFAULT 0,
			error_code INTEGER,
			exception_details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_instance_id ON jobs(instance_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: partial index for the crash-recovery sweep.
	if current < 2 {
		alters := []string{
			`CREATE INDEX IF NOT EXISTS idx_jobs_unfinished ON jobs(id) WHERE stopped_at IS NULL;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				if strings.Contains(err.Error(), "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
