// Package db owns the embedded SQLite store that backs the journal.
//
// The store is a single file opened in WAL mode so readers (list, status,
// dashboard) never block the sync engine's writes. Every pooled connection
// gets the same busy timeout and foreign-key setting.
//
// Most callers go through a Handle, which opens the store lazily on first use
// and brings its schema up to date before handing it out:
//
//	h := db.NewHandle(db.Options{Path: "~/.jot/jot.db"}, logger)
//	defer h.Close()
//
//	store, err := h.Get(ctx)
//	if err != nil {
//	    return err
//	}
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/jotsync/internal/local/migrate"
)

// Options configures how the store is opened.
type Options struct {
	// Path is the database file. Its parent directory is created if needed.
	Path string
	// Driver selects the SQL driver. Zero value means DriverSQLite3.
	Driver Driver
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
	// MaxOpenConns caps the connection pool.
	MaxOpenConns int
}

// DefaultOptions returns options for the store at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:         path,
		Driver:       DriverSQLite3,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Path)
	if o.Driver == "" {
		o.Driver = d.Driver
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = d.MaxOpenConns
	}
	return o
}

// DB wraps the store connection pool.
type DB struct {
	conn   *sql.DB
	path   string
	driver Driver
}

// Open opens the store at path with default options. The schema is not
// migrated; use a Handle or call Migrate.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), DefaultOptions(path))
}

// OpenContext opens the store described by opts.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func OpenContext(ctx context.Context, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open(string(opts.Driver), opts.Driver.dsn(opts.Path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(opts.MaxOpenConns)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   opts.Path,
		driver: opts.Driver,
	}

	if !opts.Driver.dsnPragmas() {
		// libSQL ignores DSN pragmas; one connection keeps them in effect.
		conn.SetMaxOpenConns(1)
		pragmas := []string{
			fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
			"PRAGMA foreign_keys=ON",
			"PRAGMA journal_mode=WAL",
		}
		for _, p := range pragmas {
			if _, err := conn.ExecContext(ctx, p); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", p, err)
			}
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the driver the store was opened with.
func (db *DB) Driver() Driver {
	return db.driver
}

// Migrate brings the schema to the latest registered version.
func (db *DB) Migrate(ctx context.Context, logger *log.Logger) ([]migrate.Unit, error) {
	return migrate.Migrate(ctx, db.conn, logger)
}

// Snapshot writes a consistent copy of the store to dest using VACUUM INTO.
// dest must not exist.
func (db *DB) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
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
