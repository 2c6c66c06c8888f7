// Package sqlite provides the SQLite-backed store implementation.
//
// The database is opened in WAL mode with a 60s busy timeout so bursts of
// concurrent repair logging block briefly instead of failing spuriously.
// Migration runs on every open and is idempotent: missing tables are created
// and older cache_entries tables are upgraded in place with safe defaults.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/store"
)

// Store implements store.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a new SQLite-backed store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=60000&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	logger.Info("sqlite store initialized",
		zap.String("db_path", dbPath),
	)

	return s, nil
}

// migrate creates missing tables and upgrades older cache_entries tables.
// Safe to run on every startup.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt_key TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		embedding BLOB,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'complete',
		step_count INTEGER NOT NULL DEFAULT 0,
		is_final_complete INTEGER NOT NULL DEFAULT 0,
		client_verified INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		avg_rating REAL,
		UNIQUE(prompt_key, difficulty)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_prompt_key ON cache_entries(prompt_key);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_status ON cache_entries(status);

	CREATE TABLE IF NOT EXISTS broken_markers (
		prompt_hash TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		failed_step_index INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (prompt_hash, difficulty)
	);

	CREATE TABLE IF NOT EXISTS pending_repairs (
		session_id TEXT NOT NULL,
		prompt_key TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		PRIMARY KEY (session_id, prompt_key, step_index)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_repairs_session ON pending_repairs(session_id);
	CREATE INDEX IF NOT EXISTS idx_pending_repairs_status ON pending_repairs(status);

	CREATE TABLE IF NOT EXISTS repair_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		prompt_key TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		tier INTEGER NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_repair_attempts_prompt_key ON repair_attempts(prompt_key);

	CREATE TABLE IF NOT EXISTS repair_attempt_daily (
		day TEXT NOT NULL,
		tier INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, tier)
	);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		prompt_key TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		rating INTEGER NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_prompt_key ON feedback(prompt_key);

	CREATE TABLE IF NOT EXISTS raw_outputs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		prompt_key TEXT NOT NULL,
		byte_length INTEGER NOT NULL,
		newline_count INTEGER NOT NULL,
		rendered INTEGER NOT NULL,
		raw TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	return s.upgradeCacheEntries(ctx)
}

// upgradeCacheEntries adds columns introduced after the original
// cache_entries schema. Existing rows get safe defaults.
func (s *Store) upgradeCacheEntries(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(cache_entries)`)
	if err != nil {
		return fmt.Errorf("reading cache_entries columns: %w", err)
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning column info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	additions := []struct {
		column string
		ddl    string
	}{
		{"access_count", `ALTER TABLE cache_entries ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0`},
		{"avg_rating", `ALTER TABLE cache_entries ADD COLUMN avg_rating REAL`},
	}

	for _, add := range additions {
		if existing[add.column] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, add.ddl); err != nil {
			return fmt.Errorf("adding column %s: %w", add.column, err)
		}
		s.logger.Info("upgraded cache_entries schema",
			zap.String("column", add.column),
		)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ensure Store implements the full store contract.
var _ store.Store = (*Store)(nil)
