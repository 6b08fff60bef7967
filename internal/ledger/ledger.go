// Package ledger persists campaigns, runs, and instances in sqlite. It
// is the durable source of truth for run state; the hypervisor is only
// consulted for liveness.
package ledger

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles all database operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The scheduler shares this handle; a single connection keeps
	// sqlite write contention out of the picture.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// DB exposes the underlying handle so the task scheduler can keep its
// queue in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS environment_variables (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_environment_variables (
			campaign_id INTEGER NOT NULL,
			variable_id INTEGER NOT NULL,
			PRIMARY KEY (campaign_id, variable_id),
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE,
			FOREIGN KEY(variable_id) REFERENCES environment_variables(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			campaign_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			visible INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			cleanup_attempts INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id)
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL UNIQUE,
			ssh_port INTEGER NOT NULL,
			running INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY(run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_campaign_id ON runs(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}
