// Package store is the transactional persistence boundary for the migration
// workflow. All durable entities live in a single embedded SQLite file and
// are mutated only through this API. Conflicting writes for one user are
// serialized with a per-user keyed mutex on top of SQLite transactions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/im7mortal/kmutex"
	_ "modernc.org/sqlite"

	"github.com/resetready/migrationd/internal/logging"
)

const timeLayout = time.RFC3339Nano

// Store manages migration state in SQLite.
type Store struct {
	db        *sql.DB
	userLocks *kmutex.Kmutex
}

// Open creates or opens the state database under dataDir and applies any
// pending schema migrations. A migration failure refuses startup.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "migration.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, userLocks: kmutex.New()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema migrations: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// lockUser serializes conflicting writes for one user. Returns the unlock.
func (s *Store) lockUser(userID string) func() {
	s.userLocks.Lock(userID)
	return func() { s.userLocks.Unlock(userID) }
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func fmtNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type schemaMigration struct {
	version int
	name    string
	stmts   string
}

// Forward-only schema history. Append new versions at the end; never edit an
// applied entry.
var schemaMigrations = []schemaMigration{
	{
		version: 1,
		name:    "base tables",
		stmts: `
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		profile_path TEXT NOT NULL DEFAULT '',
		profile_size_bytes INTEGER NOT NULL DEFAULT 0,
		last_login_at TEXT,
		is_active INTEGER NOT NULL DEFAULT 0,
		requires_backup INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'present',
		first_seen_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS migration_states (
		user_id TEXT PRIMARY KEY REFERENCES user_profiles(user_id),
		state TEXT NOT NULL DEFAULT 'not_started',
		progress INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		completed_at TEXT,
		deadline TEXT,
		delay_count INTEGER NOT NULL DEFAULT 0,
		is_blocking INTEGER NOT NULL DEFAULT 1,
		attention_reason TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES user_profiles(user_id),
		old_state TEXT NOT NULL,
		new_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backup_operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		user_id TEXT NOT NULL REFERENCES user_profiles(user_id),
		provider TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		bytes_total INTEGER NOT NULL DEFAULT 0,
		bytes_done INTEGER NOT NULL DEFAULT 0,
		items_total INTEGER NOT NULL DEFAULT 0,
		items_done INTEGER NOT NULL DEFAULT 0,
		percent_done INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		manifest_path TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(operation_id, retry_count)
	);

	CREATE TABLE IF NOT EXISTS delay_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES user_profiles(user_id),
		requested_seconds INTEGER NOT NULL,
		granted_seconds INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		new_deadline TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS it_escalations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		ticket TEXT NOT NULL DEFAULT '',
		requires_immediate_action INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_history_user ON state_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_backups_user ON backup_operations(user_id, category);
	CREATE INDEX IF NOT EXISTS idx_backups_op ON backup_operations(operation_id);
	CREATE INDEX IF NOT EXISTS idx_escalations_status ON it_escalations(status);
	`,
	},
	{
		version: 2,
		name:    "quota tracking",
		stmts: `
	CREATE TABLE IF NOT EXISTS quota_status (
		user_id TEXT PRIMARY KEY REFERENCES user_profiles(user_id),
		total_mb INTEGER NOT NULL DEFAULT 0,
		used_mb INTEGER NOT NULL DEFAULT 0,
		available_mb INTEGER NOT NULL DEFAULT 0,
		required_mb INTEGER NOT NULL DEFAULT 0,
		health TEXT NOT NULL DEFAULT 'healthy',
		shortfall_mb INTEGER NOT NULL DEFAULT 0,
		issues TEXT NOT NULL DEFAULT '[]',
		recommendations TEXT NOT NULL DEFAULT '[]',
		checked_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quota_warnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		health TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	`,
	},
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range schemaMigrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.stmts); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, fmtTime(time.Now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		logging.Info("Applied schema migration %d: %s", m.version, m.name)
	}
	return nil
}
