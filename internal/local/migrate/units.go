package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// Units returns the registered schema migrations. New units are appended
// with the next version; shipped units are never edited.
func Units() []Unit {
	return []Unit{
		{
			Version: 1,
			Name:    "create_entries_table",
			Apply:   createEntriesTable,
		},
		{
			Version: 2,
			Name:    "add_mood_and_entry_date_to_entries",
			Apply:   addMoodAndEntryDate,
		},
		{
			Version: 3,
			Name:    "add_sync_retry_bookkeeping",
			Apply:   addSyncRetryBookkeeping,
		},
		{
			Version: 4,
			Name:    "add_entries_read_indexes",
			Apply:   addEntriesReadIndexes,
		},
	}
}

// LatestVersion returns the highest registered version.
func LatestVersion() int {
	latest := 0
	for _, unit := range Units() {
		if unit.Version > latest {
			latest = unit.Version
		}
	}
	return latest
}

func createEntriesTable(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `
	CREATE TABLE entries (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		sync_state TEXT NOT NULL DEFAULT 'pending'
			CHECK (sync_state IN ('pending', 'synced', 'failed'))
	)`)
}

func addMoodAndEntryDate(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE entries ADD COLUMN mood INTEGER CHECK (mood IS NULL OR mood BETWEEN 1 AND 5)`,
		`ALTER TABLE entries ADD COLUMN entry_date TEXT`,
	)
}

func addSyncRetryBookkeeping(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE entries ADD COLUMN sync_attempts INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE entries ADD COLUMN last_attempt_at TEXT`,
	)
}

func addEntriesReadIndexes(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE INDEX idx_entries_active ON entries(created_at DESC) WHERE deleted_at IS NULL`,
		`CREATE INDEX idx_entries_sync_state ON entries(sync_state)`,
	)
}

// execAll runs statements one at a time; not every driver accepts several
// statements in one Exec.
func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}
