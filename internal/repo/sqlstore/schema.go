package sqlstore

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		run_id              TEXT PRIMARY KEY,
		status              TEXT NOT NULL,
		request_snapshot    BYTEA NOT NULL,
		result              BYTEA,
		error_message       TEXT,
		data_fingerprint    TEXT,
		computation_version TEXT,
		build_tag           TEXT,
		created_at          TIMESTAMPTZ NOT NULL,
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS backtest_runs_status_created_idx ON backtest_runs (status, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS backtest_run_units (
		run_id     TEXT PRIMARY KEY REFERENCES backtest_runs (run_id),
		launcher   TEXT NOT NULL,
		unit_name  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS backtest_run_units_live_idx ON backtest_run_units (run_id) WHERE deleted_at IS NULL`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		run_id              TEXT PRIMARY KEY,
		status              TEXT NOT NULL,
		request_snapshot    BLOB NOT NULL,
		result              BLOB,
		error_message       TEXT,
		data_fingerprint    TEXT,
		computation_version TEXT,
		build_tag           TEXT,
		created_at          TIMESTAMP NOT NULL,
		started_at          TIMESTAMP,
		completed_at        TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS backtest_runs_status_created_idx ON backtest_runs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS backtest_run_units (
		run_id     TEXT PRIMARY KEY REFERENCES backtest_runs (run_id),
		launcher   TEXT NOT NULL,
		unit_name  TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`,
}

// Migrate creates the run tables if they do not exist.
func Migrate(ctx context.Context, db DB, dialect Dialect) error {
	var stmts []string
	switch dialect {
	case DialectPostgres:
		stmts = postgresSchema
	case DialectSQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
