// Package db provides the embedded SQLite store for syncd.
//
// The store holds the application records (mood entries, progress entries,
// chat messages) together with the sync support tables:
//
//   - outbox: pending local mutations, FIFO per collection by op_id
//   - dead_letters: operations that exhausted their retry budget
//   - sync_cursors: per-collection pull watermark
//
// The database runs in embedded mode via ncruces/go-sqlite3 with WAL
// enabled so the CLI can read status while the daemon syncs.
//
// Timestamps in sync tables are stored as epoch milliseconds so ordering
// and age comparisons stay numeric.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection with syncd-specific queries.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created. Call InitSchema before use.
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open("~/.local/share/syncd/syncd.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
		now:  time.Now,
	}

	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// SetClock overrides the time source used for created_at, failed_at and
// last_synced columns.
func (db *DB) SetClock(now func() time.Time) {
	if now != nil {
		db.now = now
	}
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call on every start.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Application records
	CREATE TABLE IF NOT EXISTS mood_entries (
		local_id TEXT PRIMARY KEY,
		server_id TEXT UNIQUE,
		user_id TEXT NOT NULL DEFAULT '',
		mood INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		recorded_at INTEGER NOT NULL,
		server_created_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified INTEGER NOT NULL,
		last_synced INTEGER
	);

	CREATE TABLE IF NOT EXISTS progress_entries (
		local_id TEXT PRIMARY KEY,
		server_id TEXT UNIQUE,
		user_id TEXT NOT NULL DEFAULT '',
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		server_created_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified INTEGER NOT NULL,
		last_synced INTEGER
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		local_id TEXT PRIMARY KEY,
		server_id TEXT UNIQUE,
		user_id TEXT NOT NULL DEFAULT '',
		chat_type TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		server_created_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified INTEGER NOT NULL,
		last_synced INTEGER
	);

	-- Sync support
	CREATE TABLE IF NOT EXISTS outbox (
		op_id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		kind TEXT NOT NULL,  -- upsert, delete
		payload TEXT NOT NULL,
		tries INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id INTEGER NOT NULL,
		collection TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		tries INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		collection TEXT PRIMARY KEY,
		watermark INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_collection ON outbox(collection, op_id);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_collection ON dead_letters(collection, failed_at);
	CREATE INDEX IF NOT EXISTS idx_mood_entries_status ON mood_entries(sync_status);
	CREATE INDEX IF NOT EXISTS idx_progress_entries_status ON progress_entries(sync_status);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_type ON chat_messages(chat_type, sent_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func (db *DB) nowMillis() int64 {
	return db.now().UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
