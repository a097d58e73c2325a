package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"berkut-cases/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reg_no TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'draft',
		owner_user_id INTEGER NOT NULL,
		assignee_user_id INTEGER,
		meta_json TEXT NOT NULL DEFAULT '{}',
		closed_at TIMESTAMP,
		closed_by INTEGER,
		created_by INTEGER NOT NULL,
		updated_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS case_participants (
		case_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (case_id, user_id),
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS case_acl (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		permission TEXT NOT NULL,
		UNIQUE(case_id, subject_type, subject_id, permission),
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS case_stages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		stage_type TEXT NOT NULL DEFAULT 'custom',
		position INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		is_default INTEGER NOT NULL DEFAULT 0,
		closed_at TIMESTAMP,
		closed_by INTEGER,
		created_by INTEGER NOT NULL,
		updated_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS case_stage_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stage_id INTEGER NOT NULL UNIQUE,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		change_reason TEXT NOT NULL DEFAULT '',
		created_by INTEGER NOT NULL,
		updated_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY(stage_id) REFERENCES case_stages(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS case_reg_counters (
		year INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (year)
	);`,
	`CREATE TABLE IF NOT EXISTS case_timeline (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}',
		created_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);`,
	`CREATE INDEX IF NOT EXISTS idx_case_stages_case ON case_stages(case_id, position);`,
	`CREATE INDEX IF NOT EXISTS idx_case_timeline_case ON case_timeline(case_id, created_at);`,
}

// ApplyMigrations brings the schema up to date. Postgres goes through goose
// with the embedded SQL files; sqlite (dev runs and tests) uses the statement
// list above.
func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if isPostgresDB(db) {
		return applyGooseMigrations(ctx, db, logger)
	}
	return applySQLiteMigrations(ctx, db, logger)
}

func applySQLiteMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	logger.Printf("applying sqlite migrations")
	for i, stmt := range sqliteMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	logger.Printf("sqlite migrations applied")
	return nil
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(logger)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
