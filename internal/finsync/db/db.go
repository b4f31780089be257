// Package db provides the embedded SQLite store backing the offline sync core.
//
// The database is the device's durable local state: the entity cache, the
// pending change queue, dead letters, pull cursors, device sync leases and the
// background job table all live in one file so that a sync cycle can commit
// its effects in a single transaction.
//
// Architecture:
//   - Database file: <data dir>/finsync.db
//   - WAL mode: readers proceed while a cycle commits
//   - synchronous=FULL: a returned write survives a crash
//   - Write transactions start IMMEDIATE so concurrent writers queue on
//     busy_timeout instead of failing on lock upgrade
//
// Timestamps are stored as INTEGER unix nanoseconds (UTC) so ordering and
// compare-and-swap predicates can be evaluated by SQLite directly.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Querier is satisfied by both *sql.DB and *sql.Tx, letting store methods run
// standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done so the WAL is checkpointed.
//
// Example:
//
//	database, err := db.Open(filepath.Join(dataDir, "finsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas must go in the DSN, every pooled connection needs them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=synchronous(full)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// journal_mode is persistent in the file, once is enough.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// OpenAndInit opens the database and creates the schema.
func OpenAndInit(ctx context.Context, path string) (*DB, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
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

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database is closed")
	}
	return db.conn.PingContext(ctx)
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Local entity cache (soft deletes keep rows for audit).
	-- server_* hold the last copy the server confirmed; NULL server_updated_at
	-- means the server has never confirmed this entity.
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		updated_at INTEGER NOT NULL,
		last_synced INTEGER,
		is_active INTEGER NOT NULL DEFAULT 1,
		server_payload TEXT,
		server_updated_at INTEGER,
		server_active INTEGER,
		PRIMARY KEY (entity_type, entity_id)
	);

	-- Pending local mutations, one per (device, entity)
	CREATE TABLE IF NOT EXISTS change_queue (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		ts INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		UNIQUE (device_id, entity_id)
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		change_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		ts INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		reason TEXT NOT NULL,   -- exhausted, permanent
		last_error TEXT,
		failed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		device_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		cursor INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, entity_type)
	);

	-- Cross-process mutual exclusion for Synchronize
	CREATE TABLE IF NOT EXISTS sync_locks (
		device_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,           -- sync, notification
		payload TEXT NOT NULL,
		dedupe_key TEXT,
		status TEXT NOT NULL,         -- pending, active, completed, failed
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		base_delay_ms INTEGER NOT NULL,
		multiplier REAL NOT NULL,
		cap_ms INTEGER NOT NULL,
		run_at INTEGER NOT NULL,
		lease_owner TEXT,
		lease_expires_at INTEGER,
		reclaims INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_queue_drain ON change_queue(device_id, ts, id);
	CREATE INDEX IF NOT EXISTS idx_dead_device ON dead_letters(device_id, failed_at);
	CREATE INDEX IF NOT EXISTS idx_entities_synced ON entities(entity_type, last_synced);
	CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(status, run_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(dedupe_key, status);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Savepoint runs fn inside a named savepoint of tx. When fn fails, everything
// it wrote is rolled back while the enclosing transaction stays usable.
func Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}

	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint %s: %v (after: %w)", name, rbErr, err)
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint %s: %v (after: %w)", name, relErr, err)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}

// ToNanos converts t to the stored representation.
func ToNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// FromNanos converts a stored value back to a UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// NullNanos converts an optional time for storage.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ToNanos(*t), Valid: true}
}

// NanosPtr converts an optional stored value back to a time pointer.
func NanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromNanos(n.Int64)
	return &t
}
