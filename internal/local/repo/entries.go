// Package repo is the typed CRUD surface over the entries table.
//
// Every local mutation (Create, Update, SoftDelete, Insert) leaves the row in
// the pending sync state. Only the sync engine moves rows to synced or
// failed, through MarkAsSynced, MarkAsFailed and Upsert.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

var (
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("entry not found")
	// ErrStorage wraps failures of the underlying store.
	ErrStorage = errors.New("storage error")
)

const entryColumns = `id, title, body, mood, entry_date, created_at, updated_at,
	deleted_at, sync_state, sync_attempts, last_attempt_at`

// Counts summarizes the table by sync state.
type Counts struct {
	Active     int `json:"active"`
	Tombstones int `json:"tombstones"`
	Pending    int `json:"pending"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
}

// EntryRepository reads and writes journal entries.
type EntryRepository struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
	retry RetryPolicy
}

// Option configures an EntryRepository.
type Option func(*EntryRepository)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *EntryRepository) { r.now = now }
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(newID func() string) Option {
	return func(r *EntryRepository) { r.newID = newID }
}

// WithRetryPolicy sets the policy RequeueFailed applies.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *EntryRepository) { r.retry = p }
}

// NewEntryRepository creates a repository over a migrated store.
func NewEntryRepository(db *sql.DB, opts ...Option) *EntryRepository {
	r := &EntryRepository{
		db:    db,
		now:   time.Now,
		newID: newEntryID,
		retry: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newEntryID returns a time-ordered UUID.
func newEntryID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Create stores a new entry built from payload and returns it.
func (r *EntryRepository) Create(ctx context.Context, payload schema.Payload) (*schema.Entry, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entry: %w", err)
	}

	now := r.now().UTC()
	entry := &schema.Entry{
		ID:        r.newID(),
		Title:     payload.Title,
		Body:      payload.Body,
		Mood:      payload.Mood,
		EntryDate: payload.EntryDate,
		CreatedAt: now,
		UpdatedAt: now,
		SyncState: schema.SyncPending,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entries (id, title, body, mood, entry_date, created_at, updated_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Title, nullString(entry.Body), nullInt(entry.Mood), nullString(entry.EntryDate),
		schema.FormatTime(entry.CreatedAt), schema.FormatTime(entry.UpdatedAt), string(entry.SyncState),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert entry %s: %w", ErrStorage, entry.ID, err)
	}
	return entry, nil
}

// Insert stores complete entries as local, pending rows, keeping their ids and
// timestamps. Entries whose id already exists are skipped. It returns the
// number of rows inserted.
func (r *EntryRepository) Insert(ctx context.Context, entries []schema.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return 0, fmt.Errorf("invalid entry %q: %w", entries[i].ID, err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, title, body, mood, entry_date, created_at, updated_at, deleted_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prepare insert: %w", ErrStorage, err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx,
			e.ID, e.Title, nullString(e.Body), nullInt(e.Mood), nullString(e.EntryDate),
			schema.FormatTime(e.CreatedAt), schema.FormatTime(e.UpdatedAt), nullTime(e.DeletedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to insert entry %s: %w", ErrStorage, e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit insert: %w", ErrStorage, err)
	}
	return inserted, nil
}

// FindAllActive returns every entry that is not soft-deleted, newest first.
func (r *EntryRepository) FindAllActive(ctx context.Context) ([]schema.Entry, error) {
	return r.query(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC, id DESC`)
}

// FindByID returns the entry with id, including soft-deleted entries.
func (r *EntryRepository) FindByID(ctx context.Context, id string) (*schema.Entry, error) {
	return findByID(ctx, r.db, id)
}

// GetUnsynced returns every pending entry, tombstones included, oldest change
// first.
func (r *EntryRepository) GetUnsynced(ctx context.Context) ([]schema.Entry, error) {
	return r.query(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE sync_state = 'pending'
		ORDER BY updated_at ASC, id ASC`)
}

// Upsert writes records received from the remote. Every row it touches ends
// up synced with its retry bookkeeping reset, whatever its local state was.
// Applying the same records twice leaves the table unchanged.
func (r *EntryRepository) Upsert(ctx context.Context, records []schema.Entry) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("invalid entry %q: %w", records[i].ID, err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, title, body, mood, entry_date, created_at, updated_at, deleted_at,
			sync_state, sync_attempts, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'synced', 0, NULL)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			mood = excluded.mood,
			entry_date = excluded.entry_date,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			sync_state = 'synced',
			sync_attempts = 0,
			last_attempt_at = NULL`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare upsert: %w", ErrStorage, err)
	}
	defer stmt.Close()

	for _, e := range records {
		_, err := stmt.ExecContext(ctx,
			e.ID, e.Title, nullString(e.Body), nullInt(e.Mood), nullString(e.EntryDate),
			schema.FormatTime(e.CreatedAt), schema.FormatTime(e.UpdatedAt), nullTime(e.DeletedAt),
		)
		if err != nil {
			return fmt.Errorf("%w: failed to upsert entry %s: %w", ErrStorage, e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit upsert: %w", ErrStorage, err)
	}
	return nil
}

// Update applies patch to an active entry and marks it pending. An empty
// patch returns the entry unchanged. Soft-deleted entries cannot be updated.
func (r *EntryRepository) Update(ctx context.Context, id string, patch schema.Patch) (*schema.Entry, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	current, err := findByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTombstone() {
		return nil, fmt.Errorf("%w: %s is deleted", ErrNotFound, id)
	}
	if patch.IsEmpty() {
		return current, nil
	}

	updated := patch.Apply(*current)
	updated.UpdatedAt = r.now().UTC()
	updated.SyncState = schema.SyncPending
	updated.SyncAttempts = 0
	updated.LastAttemptAt = nil

	_, err = tx.ExecContext(ctx, `
		UPDATE entries
		SET title = ?, body = ?, mood = ?, entry_date = ?, updated_at = ?,
			sync_state = 'pending', sync_attempts = 0, last_attempt_at = NULL
		WHERE id = ?`,
		updated.Title, nullString(updated.Body), nullInt(updated.Mood), nullString(updated.EntryDate),
		schema.FormatTime(updated.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to update entry %s: %w", ErrStorage, id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit update: %w", ErrStorage, err)
	}
	return &updated, nil
}

// SoftDelete tombstones the entry and marks it pending with a fresh retry
// budget. The row is kept so the deletion can be pushed upstream. Deleting a
// tombstone keeps its original deletion time.
func (r *EntryRepository) SoftDelete(ctx context.Context, id string) error {
	now := schema.FormatTime(r.now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE entries
		SET deleted_at = COALESCE(deleted_at, ?), updated_at = ?,
			sync_state = 'pending', sync_attempts = 0, last_attempt_at = NULL
		WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to delete entry %s: %w", ErrStorage, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to check delete result: %w", ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkAsSynced moves the given entries to synced and clears their retry
// bookkeeping. Unknown ids are ignored.
func (r *EntryRepository) MarkAsSynced(ctx context.Context, ids []string) error {
	return r.bulkUpdate(ctx, ids,
		`UPDATE entries SET sync_state = 'synced', sync_attempts = 0, last_attempt_at = NULL WHERE id IN (%s)`)
}

// MarkAsFailed moves the given entries to failed, counting the attempt.
// Unknown ids are ignored.
func (r *EntryRepository) MarkAsFailed(ctx context.Context, ids []string) error {
	now := schema.FormatTime(r.now())
	return r.bulkUpdate(ctx, ids,
		`UPDATE entries SET sync_state = 'failed', sync_attempts = sync_attempts + 1, last_attempt_at = ? WHERE id IN (%s)`,
		now)
}

// HasFailed reports whether any entry is in the failed state.
func (r *EntryRepository) HasFailed(ctx context.Context) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM entries WHERE sync_state = 'failed')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check failed entries: %w", ErrStorage, err)
	}
	return exists, nil
}

// Counts returns row counts by visibility and sync state.
func (r *EntryRepository) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_state = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM entries`).Scan(&c.Active, &c.Tombstones, &c.Pending, &c.Synced, &c.Failed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count entries: %w", ErrStorage, err)
	}
	return &c, nil
}

// RequeueFailed moves failed entries whose backoff has elapsed back to
// pending, following the repository's RetryPolicy. Entries that have used up
// their attempts stay failed. It returns the number of entries requeued.
func (r *EntryRepository) RequeueFailed(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, sync_attempts, last_attempt_at FROM entries WHERE sync_state = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to query failed entries: %w", ErrStorage, err)
	}

	now := r.now()
	var due []string
	for rows.Next() {
		var (
			id          string
			attempts    int
			lastAttempt sql.NullString
		)
		if err := rows.Scan(&id, &attempts, &lastAttempt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: failed to scan failed entry: %w", ErrStorage, err)
		}
		var last time.Time
		if lastAttempt.Valid {
			last, _ = schema.ParseTime(lastAttempt.String)
		}
		if r.retry.Due(attempts, last, now) {
			due = append(due, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("%w: error iterating failed entries: %w", ErrStorage, err)
	}
	rows.Close()

	if len(due) == 0 {
		return 0, nil
	}
	err = r.bulkUpdate(ctx, due,
		`UPDATE entries SET sync_state = 'pending' WHERE sync_state = 'failed' AND id IN (%s)`)
	if err != nil {
		return 0, err
	}
	return len(due), nil
}

// bulkUpdate runs query, whose %s is replaced by one placeholder per id, in a
// single transaction. Leading args bind before the ids.
func (r *EntryRepository) bulkUpdate(ctx context.Context, ids []string, query string, leading ...any) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	// SQLite caps bound parameters per statement.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		batch := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(leading)+len(batch))
		args = append(args, leading...)
		for _, id := range batch {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(query, placeholders), args...); err != nil {
			return fmt.Errorf("%w: failed to update sync state: %w", ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit sync state: %w", ErrStorage, err)
	}
	return nil
}

func (r *EntryRepository) query(ctx context.Context, query string, args ...any) ([]schema.Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query entries: %w", ErrStorage, err)
	}
	defer rows.Close()

	var entries []schema.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating entries: %w", ErrStorage, err)
	}
	return entries, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findByID(ctx context.Context, q queryRower, id string) (*schema.Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*schema.Entry, error) {
	var (
		e                    schema.Entry
		body, entryDate      sql.NullString
		mood                 sql.NullInt64
		createdAt, updatedAt string
		deletedAt, lastAt    sql.NullString
		state                string
	)
	err := s.Scan(&e.ID, &e.Title, &body, &mood, &entryDate, &createdAt, &updatedAt,
		&deletedAt, &state, &e.SyncAttempts, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan entry: %w", ErrStorage, err)
	}

	if body.Valid {
		e.Body = &body.String
	}
	if mood.Valid {
		m := int(mood.Int64)
		e.Mood = &m
	}
	if entryDate.Valid {
		e.EntryDate = &entryDate.String
	}
	if e.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %w", ErrStorage, e.ID, err)
	}
	if e.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %w", ErrStorage, e.ID, err)
	}
	if deletedAt.Valid {
		t, err := schema.ParseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %w", ErrStorage, e.ID, err)
		}
		e.DeletedAt = &t
	}
	if lastAt.Valid {
		if t, err := schema.ParseTime(lastAt.String); err == nil {
			e.LastAttemptAt = &t
		}
	}
	if e.SyncState, err = schema.ParseSyncState(state); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %w", ErrStorage, e.ID, err)
	}
	return &e, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return schema.FormatTime(*t)
}
