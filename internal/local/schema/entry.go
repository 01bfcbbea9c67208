package schema

import (
	"fmt"
	"strings"
	"time"
)

// Entity is the collection name used for the entries table and the remote
// API path segment.
const Entity = "entries"

// TimeLayout is the storage format for timestamps. It is fixed width so
// string comparison matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DateLayout is the format of Entry.EntryDate.
const DateLayout = "2006-01-02"

const (
	maxTitleLen = 500
	minMood     = 1
	maxMood     = 5
)

// SyncState tracks whether a record still needs to be pushed upstream.
type SyncState string

const (
	// SyncPending marks a local mutation that has not reached the remote.
	SyncPending SyncState = "pending"
	// SyncSynced marks a record that matches the remote copy.
	SyncSynced SyncState = "synced"
	// SyncFailed marks a record whose last upload attempt failed.
	SyncFailed SyncState = "failed"
)

// Valid reports whether s is one of the known states.
func (s SyncState) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// ParseSyncState converts a stored string into a SyncState.
func ParseSyncState(s string) (SyncState, error) {
	state := SyncState(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown sync state %q", s)
	}
	return state, nil
}

// Entry is a journal entry as stored locally and exchanged with the remote.
type Entry struct {
	// ===== Identity =====
	ID string `json:"id" yaml:"id"`

	// ===== Payload =====
	Title     string  `json:"title" yaml:"title"`
	Body      *string `json:"body,omitempty" yaml:"body,omitempty"`
	Mood      *int    `json:"mood,omitempty" yaml:"mood,omitempty"`
	EntryDate *string `json:"entryDate,omitempty" yaml:"entry_date,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time  `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" yaml:"updated_at"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" yaml:"deleted_at,omitempty"`

	// ===== Sync bookkeeping =====
	SyncState     SyncState  `json:"syncState" yaml:"sync_state"`
	SyncAttempts  int        `json:"-" yaml:"-"`
	LastAttemptAt *time.Time `json:"-" yaml:"-"`
}

// RecordID returns the entry id. It lets the sync engine stay generic.
func (e Entry) RecordID() string {
	return e.ID
}

// IsTombstone reports whether the entry has been soft-deleted.
func (e Entry) IsTombstone() bool {
	return e.DeletedAt != nil
}

// Validate checks that the entry is complete enough to be stored.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if err := validatePayload(e.Title, e.Mood, e.EntryDate); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	if e.SyncState != "" && !e.SyncState.Valid() {
		return fmt.Errorf("unknown sync state %q", e.SyncState)
	}
	return nil
}

// Payload holds the user-editable fields of a new entry.
type Payload struct {
	Title     string  `json:"title" yaml:"title"`
	Body      *string `json:"body,omitempty" yaml:"body,omitempty"`
	Mood      *int    `json:"mood,omitempty" yaml:"mood,omitempty"`
	EntryDate *string `json:"entryDate,omitempty" yaml:"entry_date,omitempty"`
}

// Validate checks the payload field constraints.
func (p Payload) Validate() error {
	return validatePayload(p.Title, p.Mood, p.EntryDate)
}

// Nullable is a patch value for a nullable column. A zero Nullable leaves the
// column untouched; Set with a nil Value clears it.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

// Value returns a Nullable that sets the column to v.
func Value[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: &v}
}

// Null returns a Nullable that clears the column.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// Patch is a field-level update. Nil/unset fields are left unchanged.
type Patch struct {
	Title     *string
	Body      Nullable[string]
	Mood      Nullable[int]
	EntryDate Nullable[string]
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && !p.Body.Set && !p.Mood.Set && !p.EntryDate.Set
}

// Validate checks the fields the patch sets.
func (p Patch) Validate() error {
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Mood.Set {
		if err := validateMood(p.Mood.Value); err != nil {
			return err
		}
	}
	if p.EntryDate.Set {
		if err := validateEntryDate(p.EntryDate.Value); err != nil {
			return err
		}
	}
	return nil
}

// Apply returns a copy of e with the patch applied. Bookkeeping fields are
// not touched.
func (p Patch) Apply(e Entry) Entry {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Body.Set {
		e.Body = p.Body.Value
	}
	if p.Mood.Set {
		e.Mood = p.Mood.Value
	}
	if p.EntryDate.Set {
		e.EntryDate = p.EntryDate.Value
	}
	return e
}

func validatePayload(title string, mood *int, entryDate *string) error {
	if err := validateTitle(title); err != nil {
		return err
	}
	if err := validateMood(mood); err != nil {
		return err
	}
	return validateEntryDate(entryDate)
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > maxTitleLen {
		return fmt.Errorf("title must be %d characters or less (got %d)", maxTitleLen, len(title))
	}
	return nil
}

func validateMood(mood *int) error {
	if mood == nil {
		return nil
	}
	if *mood < minMood || *mood > maxMood {
		return fmt.Errorf("mood must be between %d and %d (got %d)", minMood, maxMood, *mood)
	}
	return nil
}

func validateEntryDate(date *string) error {
	if date == nil {
		return nil
	}
	if _, err := time.Parse(DateLayout, *date); err != nil {
		return fmt.Errorf("entryDate must be YYYY-MM-DD (got %q)", *date)
	}
	return nil
}

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC 3339 input is accepted too so
// rows written by older builds or other tools still load.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
