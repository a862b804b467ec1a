// Package sqlite persists intents and execution history in SQLite.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// Store handles database operations
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	store := New(db)
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return store, nil
}

// New wraps an existing database handle without touching the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the tables if they don't exist
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			enabled INTEGER NOT NULL DEFAULT 1,
			criteria TEXT NOT NULL,
			exclusions TEXT NOT NULL DEFAULT '{}',
			schedule_type TEXT NOT NULL,
			schedule_cron TEXT NOT NULL DEFAULT '',
			dry_run INTEGER NOT NULL DEFAULT 0,
			last_evaluated_at DATETIME,
			last_execution_status TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			intent_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			dry_run INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_ms INTEGER,
			containers_matched INTEGER NOT NULL DEFAULT 0,
			containers_upgraded INTEGER NOT NULL DEFAULT 0,
			containers_failed INTEGER NOT NULL DEFAULT 0,
			containers_skipped INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS execution_container_results (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			container_id TEXT NOT NULL,
			container_name TEXT NOT NULL,
			image_name TEXT NOT NULL,
			status TEXT NOT NULL,
			old_image TEXT NOT NULL DEFAULT '',
			new_image TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_intent_started ON executions(intent_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_results_execution_id ON execution_container_results(execution_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return errors.Wrap(err, "failed to execute schema query")
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
