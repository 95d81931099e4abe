package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jimjrxieb/linkops/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// Querier is satisfied by both *sql.DB and *sql.Tx so queries can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Init initializes the SQLite database at baseDir/linkops.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.linkops.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	exportsDir := filepath.Join(baseDir, "exports")
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	_ = os.Chmod(exportsDir, 0700)

	// Pragmas in the DSN apply to every pooled connection.
	// Transactions begin IMMEDIATE so writers queue on busy_timeout.
	dbPath := filepath.Join(baseDir, "linkops.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: records, categories, artifacts
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS records (
		  id                 TEXT PRIMARY KEY,
		  source_agent       TEXT NOT NULL,
		  task_id            TEXT NOT NULL,
		  record_type        TEXT NOT NULL,
		  action             TEXT NOT NULL,
		  result_success     INTEGER NOT NULL,
		  result_detail      TEXT,
		  created_at         INTEGER NOT NULL,
		  sanitized          INTEGER NOT NULL DEFAULT 0,
		  category_tags_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_records_created
		ON records(created_at, id);

		CREATE INDEX IF NOT EXISTS idx_records_task
		ON records(task_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_records_sanitized_created
		ON records(created_at, id)
		WHERE sanitized = 1;

		-- Sanitized records are frozen; unsanitized ones may only flip sanitized to 1.
		CREATE TRIGGER IF NOT EXISTS trg_records_immutable
		BEFORE UPDATE ON records
		WHEN OLD.sanitized = 1
		  OR NEW.sanitized < OLD.sanitized
		  OR NEW.id IS NOT OLD.id
		  OR NEW.source_agent IS NOT OLD.source_agent
		  OR NEW.task_id IS NOT OLD.task_id
		  OR NEW.record_type IS NOT OLD.record_type
		  OR NEW.action IS NOT OLD.action
		  OR NEW.result_success IS NOT OLD.result_success
		  OR NEW.result_detail IS NOT OLD.result_detail
		  OR NEW.created_at IS NOT OLD.created_at
		  OR NEW.category_tags_json IS NOT OLD.category_tags_json
		BEGIN
		  SELECT RAISE(ABORT, 'record is immutable');
		END;

		CREATE TRIGGER IF NOT EXISTS trg_records_no_delete
		BEFORE DELETE ON records
		BEGIN
		  SELECT RAISE(ABORT, 'records are append-only');
		END;

		CREATE TABLE IF NOT EXISTS categories (
		  id              TEXT PRIMARY KEY,
		  name            TEXT NOT NULL UNIQUE,
		  owner_handler   TEXT NOT NULL,
		  description     TEXT,
		  knowledge_count INTEGER NOT NULL DEFAULT 0,
		  created_at      INTEGER NOT NULL,
		  updated_at      INTEGER NOT NULL
		);

		CREATE TRIGGER IF NOT EXISTS trg_categories_no_delete
		BEFORE DELETE ON categories
		BEGIN
		  SELECT RAISE(ABORT, 'categories are never deleted');
		END;

		CREATE TABLE IF NOT EXISTS artifacts (
		  id                TEXT PRIMARY KEY,
		  category_id       TEXT NOT NULL REFERENCES categories(id),
		  origin_task_id    TEXT NOT NULL,
		  artifact_type     TEXT NOT NULL,
		  content           TEXT NOT NULL,
		  content_norm      TEXT NOT NULL,
		  origin_signature  TEXT NOT NULL,
		  signal_strength   INTEGER NOT NULL CHECK (signal_strength >= 1),
		  requires_approval INTEGER NOT NULL,
		  state             TEXT NOT NULL
		                    CHECK (state IN ('pending', 'approved', 'auto_approved', 'rejected')),
		  created_at        INTEGER NOT NULL,
		  decided_at        INTEGER,
		  last_seen_at      INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_identity
		ON artifacts(category_id, content_norm, origin_signature);

		CREATE INDEX IF NOT EXISTS idx_artifacts_pending
		ON artifacts(signal_strength DESC, created_at ASC)
		WHERE state = 'pending';

		CREATE INDEX IF NOT EXISTS idx_artifacts_effective
		ON artifacts(category_id, signal_strength DESC)
		WHERE state IN ('approved', 'auto_approved');

		-- Terminal states never change.
		CREATE TRIGGER IF NOT EXISTS trg_artifacts_monotone
		BEFORE UPDATE OF state ON artifacts
		WHEN OLD.state <> 'pending' AND NEW.state <> OLD.state
		BEGIN
		  SELECT RAISE(ABORT, 'artifact state is terminal');
		END;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: router load tracking and distillation bookkeeping
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS handler_load (
		  handler    TEXT PRIMARY KEY,
		  load       INTEGER NOT NULL DEFAULT 0 CHECK (load >= 0),
		  version    INTEGER NOT NULL DEFAULT 0,
		  updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS assignments (
		  id           TEXT PRIMARY KEY,
		  task_id      TEXT NOT NULL,
		  handler      TEXT NOT NULL,
		  assigned_at  INTEGER NOT NULL,
		  closed_at    INTEGER,
		  close_reason TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_assignments_open_task
		ON assignments(task_id, assigned_at)
		WHERE closed_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_assignments_open_age
		ON assignments(assigned_at)
		WHERE closed_at IS NULL;

		CREATE TABLE IF NOT EXISTS distill_leases (
		  window_key TEXT PRIMARY KEY,
		  owner      TEXT NOT NULL,
		  expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS distill_checkpoints (
		  window_key  TEXT NOT NULL,
		  group_key   TEXT NOT NULL,
		  artifact_id TEXT NOT NULL REFERENCES artifacts(id),
		  contributed INTEGER NOT NULL,
		  created_at  INTEGER NOT NULL,
		  updated_at  INTEGER NOT NULL,
		  PRIMARY KEY (window_key, group_key)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
