package loadtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/jotsync/internal/local/db"
	"github.com/mschirtzinger/jotsync/internal/local/repo"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

func newStore(t *testing.T) *repo.EntryRepository {
	t.Helper()
	h := db.NewHandle(db.DefaultOptions(filepath.Join(t.TempDir(), "load.db")), log.New(io.Discard, "", 0))
	t.Cleanup(func() { h.Close() })
	store, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return repo.NewEntryRepository(store.RawDB())
}

func TestSeed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	n, err := Seed(ctx, store, 25, time.Now())
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if n != 25 {
		t.Errorf("Expected 25 seeded entries, got %d", n)
	}

	active, err := store.FindAllActive(ctx)
	if err != nil {
		t.Fatalf("FindAllActive failed: %v", err)
	}
	if len(active) != 25 {
		t.Errorf("Expected 25 active entries, got %d", len(active))
	}

	// Seeding again hits existing ids.
	n, err = Seed(ctx, store, 25, time.Now())
	if err != nil {
		t.Fatalf("Second seed failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected re-seed to insert nothing, got %d", n)
	}
}

func TestRunConcurrentReadersAndWriters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := Seed(ctx, store, 50, time.Now()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	opts := Options{Readers: 4, Writers: 3, Ops: 10}
	report, err := Run(ctx, store, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Reads.Count != 40 {
		t.Errorf("Expected 40 reads, got %d", report.Reads.Count)
	}
	if report.Writes.Count != 30 {
		t.Errorf("Expected 30 writes, got %d", report.Writes.Count)
	}

	active, err := store.FindAllActive(ctx)
	if err != nil {
		t.Fatalf("FindAllActive failed: %v", err)
	}
	if len(active) != 80 {
		t.Errorf("Expected 80 entries after run, got %d", len(active))
	}

	var out bytes.Buffer
	report.Print(&out)
	for _, want := range []string{"Reads (40 ops)", "Writes (30 ops)", "P99"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Report missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunValidatesOptions(t *testing.T) {
	tests := []Options{
		{Readers: 0, Writers: 0, Ops: 1},
		{Readers: -1, Writers: 1, Ops: 1},
		{Readers: 1, Ops: 0},
	}
	for _, opts := range tests {
		if _, err := Run(context.Background(), nil, opts); err == nil {
			t.Errorf("Expected error for %+v", opts)
		}
	}
}

type failingStore struct{}

var errBoom = errors.New("boom")

func (failingStore) Create(context.Context, schema.Payload) (*schema.Entry, error) {
	return nil, errBoom
}

func (failingStore) Insert(context.Context, []schema.Entry) (int, error) {
	return 0, errBoom
}

func (failingStore) FindAllActive(context.Context) ([]schema.Entry, error) {
	return nil, nil
}

func TestRunStopsOnFailure(t *testing.T) {
	_, err := Run(context.Background(), failingStore{}, Options{Readers: 2, Writers: 1, Ops: 100})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected errBoom, got %v", err)
	}
	if !strings.Contains(err.Error(), "writer 0") {
		t.Errorf("Expected the failing worker to be named, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(durations)
	if s.Count != 100 {
		t.Errorf("Expected count 100, got %d", s.Count)
	}
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", s.P50)
	}
	if s.P95 != 96*time.Millisecond {
		t.Errorf("Expected P95 96ms, got %v", s.P95)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Expected mean 50.5ms, got %v", s.Mean)
	}

	if got := Summarize(nil); got.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", got)
	}
}
