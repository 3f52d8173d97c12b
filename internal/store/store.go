// Package store persists jobs, chunks, coherence deltas, stitch results
// and audit events in SQLite. One writer per job is assumed; chunk writes
// are keyed by (job_id, chunk_index) so no cross-row locking is needed.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"reweave/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New initializes the SQLite database at the given path.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
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
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialized at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_text TEXT NOT NULL,
		input_words INTEGER NOT NULL,
		length_config TEXT NOT NULL,
		params TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		current_chunk INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		skeleton TEXT,
		final_output TEXT NOT NULL DEFAULT '',
		validation TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
	`

	chunksTable := `
	CREATE TABLE IF NOT EXISTS chunks (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		input_text TEXT NOT NULL,
		input_words INTEGER NOT NULL,
		target_words INTEGER NOT NULL,
		min_words INTEGER NOT NULL,
		max_words INTEGER NOT NULL,
		output_text TEXT NOT NULL DEFAULT '',
		actual_words INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		flagged INTEGER NOT NULL DEFAULT 0,
		delta TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (job_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(job_id, status);
	`

	stitchTable := `
	CREATE TABLE IF NOT EXISTS stitch_results (
		job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		result TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_events (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		sequence_num INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		event_kind TEXT NOT NULL,
		payload TEXT,
		PRIMARY KEY (job_id, sequence_num)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(job_id, event_kind);
	`

	for _, table := range []string{jobsTable, chunksTable, stitchTable, auditTable} {
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

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"jobs", "chunks", "stitch_results", "audit_events"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
