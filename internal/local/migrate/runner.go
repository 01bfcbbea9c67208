// Package migrate brings the embedded store's schema up to date.
//
// Migrations are registered as an ordered list of Units. Each unit runs in
// its own transaction together with the bookkeeping that records it, so a
// unit is either fully applied (schema change, ledger row, version bump) or
// not applied at all.
//
// The current schema version lives in SQLite's PRAGMA user_version; the
// schema_migrations table is the human-readable ledger.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// LedgerTable is the name of the applied-migrations ledger.
const LedgerTable = "schema_migrations"

// ErrInvalidUnit is returned when the registered unit set is malformed.
var ErrInvalidUnit = errors.New("invalid migration unit")

// Unit is a single schema change.
type Unit struct {
	// Version orders units. Versions must be unique and positive.
	Version int
	// Name is recorded in the ledger.
	Name string
	// Apply performs the change inside the unit's transaction.
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// LedgerRow is one applied migration as recorded in the ledger.
type LedgerRow struct {
	ID         int64
	Version    int
	Name       string
	ExecutedAt time.Time
}

// Status summarizes the ledger against a registered unit set.
type Status struct {
	CurrentVersion int
	Applied        []LedgerRow
	Pending        []Unit
}

// Runner applies migration units against a database.
type Runner struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// NewRunner creates a Runner. If logger is nil, a default logger writing to
// stderr is used.
func NewRunner(db *sql.DB, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Runner{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// InitializeLedger creates the ledger table if it does not exist. It is safe
// to call on every process start.
func (r *Runner) InitializeLedger(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ` + LedgerTable + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL,
		executed_at TEXT NOT NULL
	)`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", LedgerTable, err)
	}
	return nil
}

// CurrentVersion returns the persisted schema version, 0 for a fresh store.
func (r *Runner) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	if err := r.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// ApplyPending applies every unit whose version is greater than the current
// schema version, in ascending version order. It returns the units it
// applied.
//
// The first failing unit stops the run; its transaction is rolled back and
// the error is returned. Units applied before it stay applied.
func (r *Runner) ApplyPending(ctx context.Context, units []Unit) ([]Unit, error) {
	ordered, err := sortUnits(units)
	if err != nil {
		return nil, err
	}

	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var applied []Unit
	for _, unit := range ordered {
		if unit.Version <= current {
			continue
		}

		r.logger.Printf("Running migration %d: %s", unit.Version, unit.Name)
		if err := r.applyUnit(ctx, unit); err != nil {
			return applied, err
		}
		r.logger.Printf("Migration %d completed", unit.Version)

		current = unit.Version
		applied = append(applied, unit)
	}

	return applied, nil
}

// applyUnit runs one unit and its bookkeeping in a single transaction.
func (r *Runner) applyUnit(ctx context.Context, unit Unit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", unit.Version, err)
	}
	defer tx.Rollback()

	if err := unit.Apply(ctx, tx); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", unit.Version, unit.Name, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+LedgerTable+` (version, name, executed_at) VALUES (?, ?, ?)`,
		unit.Version, unit.Name, schema.FormatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", unit.Version, err)
	}

	// PRAGMA does not accept bound parameters; Version is an int.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", unit.Version)); err != nil {
		return fmt.Errorf("failed to advance schema version to %d: %w", unit.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", unit.Version, err)
	}
	return nil
}

// Ledger returns the applied migrations in the order they were recorded.
func (r *Runner) Ledger(ctx context.Context) ([]LedgerRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, version, name, executed_at FROM `+LedgerTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", LedgerTable, err)
	}
	defer rows.Close()

	var ledger []LedgerRow
	for rows.Next() {
		var row LedgerRow
		var executedAt string
		if err := rows.Scan(&row.ID, &row.Version, &row.Name, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		if t, err := schema.ParseTime(executedAt); err == nil {
			row.ExecutedAt = t
		}
		ledger = append(ledger, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger: %w", err)
	}
	return ledger, nil
}

// Status reports the current version, the ledger and which of units are
// still pending.
func (r *Runner) Status(ctx context.Context, units []Unit) (*Status, error) {
	ordered, err := sortUnits(units)
	if err != nil {
		return nil, err
	}
	if err := r.InitializeLedger(ctx); err != nil {
		return nil, err
	}
	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := r.Ledger(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{CurrentVersion: current, Applied: ledger}
	for _, unit := range ordered {
		if unit.Version > current {
			status.Pending = append(status.Pending, unit)
		}
	}
	return status, nil
}

// Migrate initializes the ledger and applies every registered unit.
func (r *Runner) Migrate(ctx context.Context) ([]Unit, error) {
	if err := r.InitializeLedger(ctx); err != nil {
		return nil, err
	}
	return r.ApplyPending(ctx, Units())
}

// Migrate is shorthand for NewRunner(db, logger).Migrate(ctx).
func Migrate(ctx context.Context, db *sql.DB, logger *log.Logger) ([]Unit, error) {
	return NewRunner(db, logger).Migrate(ctx)
}

// sortUnits validates units and returns them sorted by version.
func sortUnits(units []Unit) ([]Unit, error) {
	ordered := make([]Unit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})

	for i, unit := range ordered {
		switch {
		case unit.Version <= 0:
			return nil, fmt.Errorf("%w: version must be positive (got %d)", ErrInvalidUnit, unit.Version)
		case unit.Name == "":
			return nil, fmt.Errorf("%w: version %d has no name", ErrInvalidUnit, unit.Version)
		case unit.Apply == nil:
			return nil, fmt.Errorf("%w: version %d has no apply function", ErrInvalidUnit, unit.Version)
		case i > 0 && ordered[i-1].Version == unit.Version:
			return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidUnit, unit.Version)
		}
	}
	return ordered, nil
}
