// Package store implements slawatch persistence on SQLite: notification
// tasks, run lineage, the opportunity cache, group routing config, and
// runtime system configuration.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"slawatch/internal/logging"
)

// Store owns the SQLite database. The notification task table is the
// only shared mutable resource in the system; updates are row-level and
// serialized through the single connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema when missing. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		// NORMAL is safe with WAL and much faster than FULL.
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Store schema ready")
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	taskTable := `
	CREATE TABLE IF NOT EXISTS notification_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		logical_order_id TEXT NOT NULL,
		org_name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		due_time DATETIME NOT NULL,
		message TEXT,
		sent_at DATETIME,
		created_run_id TEXT,
		sent_run_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retry_count INTEGER NOT NULL DEFAULT 5,
		cooldown_hours REAL NOT NULL DEFAULT 2.0,
		last_sent_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_logical_type ON notification_tasks(logical_order_id, type);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON notification_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_org ON notification_tasks(org_name);
	`

	cacheTable := `
	CREATE TABLE IF NOT EXISTS opportunity_cache (
		order_num TEXT PRIMARY KEY,
		customer_name TEXT,
		address TEXT,
		supervisor_name TEXT,
		create_time DATETIME NOT NULL,
		org_name TEXT NOT NULL,
		status TEXT NOT NULL,
		elapsed_hours REAL,
		is_overdue INTEGER DEFAULT 0,
		escalation_level INTEGER DEFAULT 0,
		sla_threshold_hours REAL,
		sla_progress_ratio REAL,
		is_violation INTEGER DEFAULT 0,
		last_updated DATETIME DEFAULT CURRENT_TIMESTAMP,
		source_hash TEXT,
		cache_version INTEGER DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_cache_org ON opportunity_cache(org_name);
	`

	runsTable := `
	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		trigger_time DATETIME NOT NULL,
		end_time DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		context TEXT,
		opportunities_processed INTEGER DEFAULT 0,
		notifications_sent INTEGER DEFAULT 0,
		errors TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_trigger ON agent_runs(trigger_time);
	`

	historyTable := `
	CREATE TABLE IF NOT EXISTS agent_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		input_data TEXT,
		output_data TEXT,
		timestamp DATETIME NOT NULL,
		duration_seconds REAL,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_run ON agent_history(run_id);
	`

	groupsTable := `
	CREATE TABLE IF NOT EXISTS group_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		org_name TEXT NOT NULL UNIQUE,
		name TEXT,
		webhook_url TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		cooldown_minutes INTEGER DEFAULT 30,
		max_per_hour INTEGER DEFAULT 10,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	sysConfigTable := `
	CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{
		taskTable,
		cacheTable,
		runsTable,
		historyTable,
		groupsTable,
		sysConfigTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying connection, for stats queries in the CLI.
func (s *Store) DB() *sql.DB {
	return s.db
}
