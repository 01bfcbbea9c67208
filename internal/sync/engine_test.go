package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/jotsync/internal/connectivity"
	"github.com/mschirtzinger/jotsync/internal/local/db"
	"github.com/mschirtzinger/jotsync/internal/local/repo"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
	"github.com/mschirtzinger/jotsync/internal/remote"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// harness wires a real store and a real HTTP client against the in-memory
// server.
type harness struct {
	repo   *repo.EntryRepository
	server *remote.MemoryServer
	client *remote.Client[schema.Entry]
	flag   *connectivity.Flag
	engine *Engine[schema.Entry]
	now    time.Time
}

func newHarness(t *testing.T, online bool, opts ...repo.Option) *harness {
	t.Helper()

	h := db.NewHandle(db.DefaultOptions(filepath.Join(t.TempDir(), "test.db")), quietLogger())
	t.Cleanup(func() { h.Close() })
	store, err := h.Get(context.Background())
	require.NoError(t, err)

	server := remote.NewMemoryServer(quietLogger())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	cfg := remote.DefaultConfig(ts.URL)
	cfg.Logger = quietLogger()
	client, err := remote.NewEntryClient(cfg)
	require.NoError(t, err)

	hr := &harness{
		server: server,
		client: client,
		flag:   connectivity.NewFlag(online),
		now:    time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
	opts = append([]repo.Option{repo.WithClock(func() time.Time { return hr.now })}, opts...)
	hr.repo = repo.NewEntryRepository(store.RawDB(), opts...)
	hr.engine = New[schema.Entry](hr.repo, client, hr.flag, Config{
		Entity: schema.Entity,
		Logger: quietLogger(),
	})
	return hr
}

func (h *harness) create(t *testing.T, title string) *schema.Entry {
	t.Helper()
	e, err := h.repo.Create(context.Background(), schema.Payload{Title: title})
	require.NoError(t, err)
	h.now = h.now.Add(time.Second)
	return e
}

func TestSync_SkipsWhenOffline(t *testing.T) {
	h := newHarness(t, false)
	a := h.create(t, "offline note")

	res := h.engine.Sync(context.Background())
	assert.Equal(t, OutcomeSkippedOffline, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Zero(t, h.server.Requests(remote.OpSync))
	assert.Zero(t, h.server.Requests(remote.OpList))

	got, err := h.repo.FindByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, got.SyncState)
	assert.False(t, h.engine.State().IsSyncing)
}

func TestSync_OfflineThenOnline(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	b := schema.Entry{
		ID:        "remote-b",
		Title:     "written elsewhere",
		CreatedAt: h.now.Add(-time.Hour),
		UpdatedAt: h.now.Add(-time.Hour),
	}
	h.server.Seed(b)

	a := h.create(t, "written offline")
	assert.Equal(t, schema.SyncPending, a.SyncState)

	res := h.engine.Sync(ctx)
	require.Equal(t, OutcomeSkippedOffline, res.Outcome)
	got, err := h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncPending, got.SyncState, "guard must hold while offline")

	h.flag.Set(true)
	res = h.engine.Sync(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, res.Downloaded)

	got, err = h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, got.SyncState)
	assert.Equal(t, "written offline", got.Title)

	gotB, err := h.repo.FindByID(ctx, "remote-b")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, gotB.SyncState)

	active, err := h.repo.FindAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, "remote-b", active[1].ID)

	state := h.engine.State()
	assert.Len(t, state.Records, 2)
	assert.True(t, state.Loaded)
	assert.False(t, state.IsSyncing)
	assert.False(t, state.HasFailedSync)
	assert.NoError(t, state.LastError)
	assert.False(t, state.LastSyncAt.IsZero())
}

func TestSync_UploadFailureIsolation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	ids := []string{h.create(t, "one").ID, h.create(t, "two").ID, h.create(t, "three").ID}
	h.server.FailNext(remote.OpSync, 1)

	res := h.engine.Sync(ctx)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, remote.ErrStatus)
	assert.Equal(t, 3, res.UploadFailed)
	assert.Equal(t, 1, h.server.Requests(remote.OpList), "download still runs after an upload failure")

	for _, id := range ids {
		got, err := h.repo.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.SyncFailed, got.SyncState)
	}

	unsynced, err := h.repo.GetUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	state := h.engine.State()
	assert.True(t, state.HasFailedSync)
	assert.Error(t, state.LastError)
	assert.Len(t, state.Records, 3, "failed records stay visible")
}

func TestSync_RetriesFailedAfterBackoff(t *testing.T) {
	policy := repo.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}
	h := newHarness(t, true, repo.WithRetryPolicy(policy))
	ctx := context.Background()

	a := h.create(t, "flaky")
	h.server.FailNext(remote.OpSync, 1)
	require.Equal(t, OutcomeFailed, h.engine.Sync(ctx).Outcome)

	// Backoff not elapsed: nothing to upload.
	res := h.engine.Sync(ctx)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Zero(t, res.Requeued)
	assert.Zero(t, res.Uploaded)
	assert.True(t, h.engine.State().HasFailedSync)

	h.now = h.now.Add(2 * time.Minute)
	res = h.engine.Sync(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Uploaded)

	got, err := h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, got.SyncState)
	assert.False(t, h.engine.State().HasFailedSync)

	_, ok := h.server.Record(a.ID)
	assert.True(t, ok)
}

func TestSync_DownloadFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.create(t, "before")
	require.NoError(t, h.engine.Refresh(ctx))
	require.Len(t, h.engine.State().Records, 1)

	h.create(t, "after")
	h.server.SetFailing(remote.OpList, true)

	res := h.engine.Sync(ctx)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.Uploaded, "upload is independent of the download")
	assert.Len(t, h.engine.State().Records, 1, "snapshot is not refreshed after a failed download")

	h.server.SetFailing(remote.OpList, false)
	res = h.engine.Sync(ctx)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, h.engine.State().Records, 2)
}

func TestDeleteRecord_RemoteFailureStillTombstones(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	a := h.create(t, "to delete")
	require.Equal(t, OutcomeCompleted, h.engine.Sync(ctx).Outcome)

	h.server.SetFailing(remote.OpDelete, true)
	require.NoError(t, h.engine.DeleteRecord(ctx, a.ID))
	assert.Empty(t, h.engine.State().Records)

	got, err := h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.Equal(t, schema.SyncPending, got.SyncState)

	rec, ok := h.server.Record(a.ID)
	require.True(t, ok)
	assert.Nil(t, rec.DeletedAt, "remote delete failed")

	// The pending tombstone reaches the server on the next cycle.
	h.server.SetFailing(remote.OpDelete, false)
	require.Equal(t, OutcomeCompleted, h.engine.Sync(ctx).Outcome)
	rec, ok = h.server.Record(a.ID)
	require.True(t, ok)
	assert.NotNil(t, rec.DeletedAt)

	got, err = h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, got.SyncState)
	assert.NotNil(t, got.DeletedAt)
}

func TestDeleteRecord_TombstoneOfExhaustedEntryIsRetried(t *testing.T) {
	policy := repo.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour}
	h := newHarness(t, true, repo.WithRetryPolicy(policy))
	ctx := context.Background()

	a := h.create(t, "never uploaded")
	h.server.FailNext(remote.OpSync, 2)
	require.Equal(t, OutcomeFailed, h.engine.Sync(ctx).Outcome)
	h.now = h.now.Add(2 * time.Minute)
	require.Equal(t, OutcomeFailed, h.engine.Sync(ctx).Outcome)

	got, err := h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.SyncAttempts)

	h.server.SetFailing(remote.OpDelete, true)
	require.NoError(t, h.engine.DeleteRecord(ctx, a.ID))

	h.server.FailNext(remote.OpSync, 1)
	require.Equal(t, OutcomeFailed, h.engine.Sync(ctx).Outcome)

	h.now = h.now.Add(24 * time.Hour)
	res := h.engine.Sync(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Uploaded)

	rec, ok := h.server.Record(a.ID)
	require.True(t, ok)
	assert.NotNil(t, rec.DeletedAt, "the delete reaches the server")

	got, err = h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSynced, got.SyncState)
}

func TestDeleteRecord_Offline(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	a := h.create(t, "offline delete")

	require.NoError(t, h.engine.DeleteRecord(ctx, a.ID))
	assert.Zero(t, h.server.Requests(remote.OpDelete))

	got, err := h.repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestDeleteRecord_UnknownID(t *testing.T) {
	h := newHarness(t, false)
	err := h.engine.DeleteRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

// blockingRemote holds Push until released.
type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
	once    stdsync.Once
}

func (b *blockingRemote) Pull(ctx context.Context) ([]schema.Entry, error) { return nil, nil }
func (b *blockingRemote) Delete(ctx context.Context, id string) error      { return nil }
func (b *blockingRemote) Push(ctx context.Context, records []schema.Entry) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSync_SingleFlight(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.create(t, "slow upload")

	br := &blockingRemote{entered: make(chan struct{}), release: make(chan struct{})}
	engine := New[schema.Entry](h.repo, br, h.flag, Config{Entity: schema.Entity, Logger: quietLogger()})

	first := make(chan Result, 1)
	go func() { first <- engine.Sync(ctx) }()

	select {
	case <-br.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached the upload")
	}

	assert.True(t, engine.IsSyncing())
	assert.True(t, engine.State().IsSyncing)
	assert.Equal(t, OutcomeSkippedInFlight, engine.Sync(ctx).Outcome)

	close(br.release)
	select {
	case res := <-first:
		assert.Equal(t, OutcomeCompleted, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not finish")
	}

	assert.False(t, engine.IsSyncing())
	assert.Equal(t, OutcomeCompleted, engine.Sync(ctx).Outcome, "guard is released after the cycle")
}

// failingStore makes every call fail.
type failingStore struct{ err error }

func (f failingStore) GetUnsynced(context.Context) ([]schema.Entry, error)   { return nil, f.err }
func (f failingStore) MarkAsSynced(context.Context, []string) error          { return f.err }
func (f failingStore) MarkAsFailed(context.Context, []string) error          { return f.err }
func (f failingStore) Upsert(context.Context, []schema.Entry) error          { return f.err }
func (f failingStore) FindAllActive(context.Context) ([]schema.Entry, error) { return nil, f.err }
func (f failingStore) SoftDelete(context.Context, string) error              { return f.err }
func (f failingStore) HasFailed(context.Context) (bool, error)               { return false, f.err }
func (f failingStore) RequeueFailed(context.Context) (int, error)            { return 0, f.err }

func TestSync_StoreFailuresAreRecordedNotPanicked(t *testing.T) {
	boom := errors.New("disk on fire")
	br := &blockingRemote{entered: make(chan struct{}), release: make(chan struct{})}
	close(br.release)
	engine := New[schema.Entry](failingStore{err: boom}, br, connectivity.NewFlag(true),
		Config{Entity: schema.Entity, Logger: quietLogger()})

	res := engine.Sync(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.ErrorIs(t, engine.State().LastError, boom)
	assert.False(t, engine.IsSyncing())

	assert.ErrorIs(t, engine.Refresh(context.Background()), boom)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.create(t, "watched")

	ch, cancel := h.engine.Subscribe()
	res := h.engine.Sync(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	// The buffer keeps only the newest state: the finished cycle.
	select {
	case s := <-ch:
		assert.False(t, s.IsSyncing)
		assert.Len(t, s.Records, 1)
	case <-time.After(time.Second):
		t.Fatal("no state received")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open, "channel is closed after unsubscribe")
	cancel() // idempotent
}

func TestState_ReturnsCopy(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.create(t, "original")
	require.NoError(t, h.engine.Refresh(ctx))

	s := h.engine.State()
	s.Records[0].Title = "mutated"
	assert.Equal(t, "original", h.engine.State().Records[0].Title)
}
