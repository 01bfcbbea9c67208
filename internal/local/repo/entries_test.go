package repo

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/jotsync/internal/local/db"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// fakeClock is a settable clock for deterministic timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T, opts ...Option) (*EntryRepository, *fakeClock) {
	t.Helper()
	h := db.NewHandle(db.DefaultOptions(filepath.Join(t.TempDir(), "test.db")), log.New(io.Discard, "", 0))
	t.Cleanup(func() { h.Close() })

	store, err := h.Get(context.Background())
	require.NoError(t, err)

	clock := newFakeClock()
	n := 0
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("e-%03d", n) }),
	}, opts...)
	return NewEntryRepository(store.RawDB(), opts...), clock
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func remoteEntry(id, title string, created time.Time) schema.Entry {
	return schema.Entry{
		ID:        id,
		Title:     title,
		CreatedAt: created,
		UpdatedAt: created,
		SyncState: schema.SyncSynced,
	}
}

func TestCreate(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "Morning run", Body: strPtr("5k"), Mood: intPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, "e-001", e.ID)
	assert.Equal(t, schema.SyncPending, e.SyncState)
	assert.Nil(t, e.DeletedAt)
	assert.True(t, e.CreatedAt.Equal(clock.Now()))

	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning run", got.Title)
	require.NotNil(t, got.Body)
	assert.Equal(t, "5k", *got.Body)
	require.NotNil(t, got.Mood)
	assert.Equal(t, 4, *got.Mood)
	assert.Equal(t, schema.SyncPending, got.SyncState)
}

func TestCreate_DefaultIDsAreUnique(t *testing.T) {
	h := db.NewHandle(db.DefaultOptions(filepath.Join(t.TempDir(), "test.db")), log.New(io.Discard, "", 0))
	defer h.Close()
	store, err := h.Get(context.Background())
	require.NoError(t, err)
	r := NewEntryRepository(store.RawDB())

	a, err := r.Create(context.Background(), schema.Payload{Title: "a"})
	require.NoError(t, err)
	b, err := r.Create(context.Background(), schema.Payload{Title: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
}

func TestCreate_Invalid(t *testing.T) {
	r, _ := newTestRepo(t)
	_, err := r.Create(context.Background(), schema.Payload{Title: "  "})
	assert.Error(t, err)

	_, err = r.Create(context.Background(), schema.Payload{Title: strings.Repeat("x", 501)})
	assert.Error(t, err)
}

func TestCreate_IDCollision(t *testing.T) {
	r, _ := newTestRepo(t, WithIDGenerator(func() string { return "same" }))
	ctx := context.Background()

	_, err := r.Create(ctx, schema.Payload{Title: "one"})
	require.NoError(t, err)
	_, err = r.Create(ctx, schema.Payload{Title: "two"})
	assert.ErrorIs(t, err, ErrStorage)
}

func TestFindByID_NotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	_, err := r.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindAllActive_NewestFirst(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		_, err := r.Create(ctx, schema.Payload{Title: title})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	active, err := r.FindAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "third", active[0].Title)
	assert.Equal(t, "second", active[1].Title)
	assert.Equal(t, "first", active[2].Title)
}

func TestSoftDelete_Visibility(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "doomed"})
	require.NoError(t, err)
	require.NoError(t, r.MarkAsSynced(ctx, []string{e.ID}))

	clock.Advance(time.Second)
	require.NoError(t, r.SoftDelete(ctx, e.ID))

	active, err := r.FindAllActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// The tombstone stays in the store and is queued for upload.
	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, got.DeletedAt.Equal(clock.Now()))
	assert.Equal(t, schema.SyncPending, got.SyncState)

	unsynced, err := r.GetUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, e.ID, unsynced[0].ID)
	assert.True(t, unsynced[0].IsTombstone())

	// Deleting again keeps the original deletion time.
	firstDeleted := *got.DeletedAt
	clock.Advance(time.Hour)
	require.NoError(t, r.SoftDelete(ctx, e.ID))
	got, err = r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletedAt.Equal(firstDeleted))
}

func TestSoftDelete_NotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	err := r.SoftDelete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_MarksPending(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "draft", Body: strPtr("body"), Mood: intPtr(2)})
	require.NoError(t, err)
	require.NoError(t, r.MarkAsSynced(ctx, []string{e.ID}))

	clock.Advance(time.Minute)
	title := "final"
	updated, err := r.Update(ctx, e.ID, schema.Patch{Title: &title, Body: schema.Null[string]()})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Title)
	assert.Nil(t, updated.Body)
	assert.Equal(t, schema.SyncPending, updated.SyncState)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Title)
	assert.Nil(t, got.Body)
	require.NotNil(t, got.Mood)
	assert.Equal(t, 2, *got.Mood)
	assert.Equal(t, schema.SyncPending, got.SyncState)
}

func TestUpdate_EmptyPatchIsNoop(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "same"})
	require.NoError(t, err)
	require.NoError(t, r.MarkAsSynced(ctx, []string{e.ID}))

	_, err = r.Update(ctx, e.ID, schema.Patch{})
	require.NoError(t, err)

	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, got.SyncState)
}

func TestUpdate_Errors(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	title := "x"

	_, err := r.Update(ctx, "missing", schema.Patch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)

	e, err := r.Create(ctx, schema.Payload{Title: "gone"})
	require.NoError(t, err)
	require.NoError(t, r.SoftDelete(ctx, e.ID))
	_, err = r.Update(ctx, e.ID, schema.Patch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Update(ctx, e.ID, schema.Patch{Mood: schema.Value(0)})
	assert.Error(t, err)
}

func TestUpsert_Idempotent(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	deleted := clock.Now().Add(time.Hour)
	records := []schema.Entry{
		remoteEntry("r-1", "from server", clock.Now()),
		remoteEntry("r-2", "also from server", clock.Now().Add(time.Minute)),
	}
	records[1].DeletedAt = &deleted
	records[0].Mood = intPtr(5)

	require.NoError(t, r.Upsert(ctx, records))
	first, err := r.query(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY id`)
	require.NoError(t, err)

	require.NoError(t, r.Upsert(ctx, records))
	second, err := r.query(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY id`)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, second, 2)
	for _, e := range second {
		assert.Equal(t, schema.SyncSynced, e.SyncState)
	}
	assert.True(t, second[1].IsTombstone(), "remote tombstone must be carried")

	active, err := r.FindAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r-1", active[0].ID)
}

func TestUpsert_OverwritesLocalState(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "local"})
	require.NoError(t, err)
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))

	remote := remoteEntry(e.ID, "remote wins", e.CreatedAt)
	remote.UpdatedAt = clock.Now().Add(time.Minute)
	remote.SyncState = schema.SyncPending // ignored on the way in
	require.NoError(t, r.Upsert(ctx, []schema.Entry{remote}))

	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote wins", got.Title)
	assert.Equal(t, schema.SyncSynced, got.SyncState)
	assert.Equal(t, 0, got.SyncAttempts)
	assert.Nil(t, got.LastAttemptAt)
}

func TestUpsert_RejectsInvalidRecords(t *testing.T) {
	r, clock := newTestRepo(t)
	bad := remoteEntry("", "no id", clock.Now())
	err := r.Upsert(context.Background(), []schema.Entry{bad})
	assert.Error(t, err)
}

func TestMarkAsSyncedAndFailed(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	a, err := r.Create(ctx, schema.Payload{Title: "a"})
	require.NoError(t, err)
	b, err := r.Create(ctx, schema.Payload{Title: "b"})
	require.NoError(t, err)

	failed, err := r.HasFailed(ctx)
	require.NoError(t, err)
	assert.False(t, failed)

	require.NoError(t, r.MarkAsFailed(ctx, []string{a.ID, b.ID, "unknown"}))
	clock.Advance(time.Minute)
	require.NoError(t, r.MarkAsFailed(ctx, []string{a.ID}))

	got, err := r.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncFailed, got.SyncState)
	assert.Equal(t, 2, got.SyncAttempts)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, got.LastAttemptAt.Equal(clock.Now()))

	failed, err = r.HasFailed(ctx)
	require.NoError(t, err)
	assert.True(t, failed)

	unsynced, err := r.GetUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced, "failed rows are not pending")

	require.NoError(t, r.MarkAsSynced(ctx, []string{a.ID, b.ID}))
	failed, err = r.HasFailed(ctx)
	require.NoError(t, err)
	assert.False(t, failed)

	got, err = r.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.SyncAttempts)
}

func TestMarkAsSynced_ManyIDs(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 1200; i++ {
		e, err := r.Create(ctx, schema.Payload{Title: fmt.Sprintf("entry %d", i)})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	require.NoError(t, r.MarkAsSynced(ctx, ids))

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1200, counts.Synced)
	assert.Equal(t, 0, counts.Pending)
}

func TestCounts(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, *counts)

	a, _ := r.Create(ctx, schema.Payload{Title: "a"})
	b, _ := r.Create(ctx, schema.Payload{Title: "b"})
	c, _ := r.Create(ctx, schema.Payload{Title: "c"})
	require.NoError(t, r.MarkAsSynced(ctx, []string{a.ID}))
	require.NoError(t, r.MarkAsFailed(ctx, []string{b.ID}))
	require.NoError(t, r.SoftDelete(ctx, c.ID))

	counts, err = r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 2, Tombstones: 1, Pending: 1, Synced: 1, Failed: 1}, *counts)
}

func TestInsert_KeepsIDsAndSkipsExisting(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	existing := remoteEntry("x-1", "already here", clock.Now())
	require.NoError(t, r.Upsert(ctx, []schema.Entry{existing}))

	imported := []schema.Entry{
		remoteEntry("x-1", "overwrite attempt", clock.Now()),
		remoteEntry("x-2", "imported", clock.Now()),
	}
	n, err := r.Insert(ctx, imported)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.FindByID(ctx, "x-1")
	require.NoError(t, err)
	assert.Equal(t, "already here", got.Title)
	assert.Equal(t, schema.SyncSynced, got.SyncState)

	got, err = r.FindByID(ctx, "x-2")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, got.SyncState)
}

func TestRequeueFailed(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}
	r, clock := newTestRepo(t, WithRetryPolicy(policy))
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "flaky"})
	require.NoError(t, err)
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))

	n, err := r.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff has not elapsed")

	clock.Advance(time.Minute)
	n, err = r.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, got.SyncState)
	assert.Equal(t, 1, got.SyncAttempts, "requeue keeps the attempt count")

	// Exhaust the attempts.
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))
	clock.Advance(time.Hour)
	n, err = r.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err = r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncFailed, got.SyncState)
}

func TestSoftDelete_ResetsRetryBudget(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour}
	r, clock := newTestRepo(t, WithRetryPolicy(policy))
	ctx := context.Background()

	e, err := r.Create(ctx, schema.Payload{Title: "gave up"})
	require.NoError(t, err)
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))

	clock.Advance(time.Hour)
	n, err := r.RequeueFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "attempts are exhausted")

	require.NoError(t, r.SoftDelete(ctx, e.ID))
	got, err := r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, got.SyncState)
	assert.Zero(t, got.SyncAttempts)
	assert.Nil(t, got.LastAttemptAt)

	// A failed tombstone push is retried like any fresh change.
	require.NoError(t, r.MarkAsFailed(ctx, []string{e.ID}))
	clock.Advance(time.Minute)
	n, err = r.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = r.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, got.SyncState)
	assert.NotNil(t, got.DeletedAt)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "Backoff(%d)", tt.attempts)
	}

	now := time.Now()
	assert.True(t, p.Due(1, time.Time{}, now))
	assert.False(t, p.Due(1, now, now))
	assert.True(t, p.Due(1, now.Add(-time.Second), now))
	assert.False(t, p.Due(10, time.Time{}, now))
}

func TestRetryPolicy_BackoffWithoutCap(t *testing.T) {
	p := RetryPolicy{BaseDelay: 30 * time.Second}

	prev := time.Duration(0)
	for attempts := 1; attempts <= 100; attempts++ {
		d := p.Backoff(attempts)
		require.Positive(t, d, "Backoff(%d)", attempts)
		require.GreaterOrEqual(t, d, prev, "Backoff(%d)", attempts)
		prev = d
	}

	now := time.Now()
	assert.False(t, p.Due(60, now.Add(-24*time.Hour), now), "a long backoff never wraps to due")
}
