// Package loadtest measures how the local store behaves when several
// goroutines read and write entries at once.
//
// The daemon, an open dashboard and interactive CLI commands can all hit the
// same database file, so the numbers here are the ones that matter for
// busy_timeout and connection pool tuning.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// Store is the subset of the entry repository exercised by a run.
type Store interface {
	Create(ctx context.Context, payload schema.Payload) (*schema.Entry, error)
	Insert(ctx context.Context, entries []schema.Entry) (int, error)
	FindAllActive(ctx context.Context) ([]schema.Entry, error)
}

// Options configures a run.
type Options struct {
	// Readers and Writers are the number of concurrent workers of each kind.
	Readers int
	Writers int
	// Ops is the number of operations each worker performs.
	Ops     int
}

// DefaultOptions returns a small mixed workload.
func DefaultOptions() Options {
	return Options{Readers: 4, Writers: 2, Ops: 50}
}

func (o Options) validate() error {
	if o.Readers < 0 || o.Writers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if o.Readers+o.Writers == 0 {
		return fmt.Errorf("at least one reader or writer is required")
	}
	if o.Ops <= 0 {
		return fmt.Errorf("ops per worker must be positive (got %d)", o.Ops)
	}
	return nil
}

// LatencyStats summarizes the durations of one kind of operation.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of Run.
type Report struct {
	Reads   LatencyStats
	Writes  LatencyStats
	Elapsed time.Duration
}

// Seed inserts count synthetic entries spread over the last count days.
// It returns the number of rows written.
func Seed(ctx context.Context, store Store, count int, now time.Time) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	entries := make([]schema.Entry, count)
	for i := range entries {
		created := now.Add(-time.Duration(count-i) * 24 * time.Hour).UTC()
		date := created.Format(schema.DateLayout)
		mood := i%5 + 1
		entries[i] = schema.Entry{
			ID:        fmt.Sprintf("seed-%05d", i),
			Title:     fmt.Sprintf("Seeded entry %d", i),
			Mood:      &mood,
			EntryDate: &date,
			CreatedAt: created,
			UpdatedAt: created,
			SyncState: schema.SyncPending,
		}
	}
	n, err := store.Insert(ctx, entries)
	if err != nil {
		return n, fmt.Errorf("failed to seed entries: %w", err)
	}
	return n, nil
}

// Run starts the configured workers and waits for all of them. The first
// failing operation cancels the rest and is returned.
func Run(ctx context.Context, store Store, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	reads := make([][]time.Duration, opts.Readers)
	writes := make([][]time.Duration, opts.Writers)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Readers; i++ {
		g.Go(func() error {
			d, err := repeat(gctx, opts.Ops, func() error {
				_, err := store.FindAllActive(gctx)
				return err
			})
			reads[i] = d
			if err != nil {
				return fmt.Errorf("reader %d: %w", i, err)
			}
			return nil
		})
	}
	for i := 0; i < opts.Writers; i++ {
		g.Go(func() error {
			n := 0
			d, err := repeat(gctx, opts.Ops, func() error {
				n++
				_, err := store.Create(gctx, schema.Payload{Title: fmt.Sprintf("load writer %d op %d", i, n)})
				return err
			})
			writes[i] = d
			if err != nil {
				return fmt.Errorf("writer %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Report{
		Reads:   Summarize(flatten(reads)),
		Writes:  Summarize(flatten(writes)),
		Elapsed: time.Since(start),
	}, nil
}

func repeat(ctx context.Context, ops int, op func() error) ([]time.Duration, error) {
	durations := make([]time.Duration, 0, ops)
	for j := 0; j < ops; j++ {
		if err := ctx.Err(); err != nil {
			return durations, err
		}
		began := time.Now()
		err := op()
		durations = append(durations, time.Since(began))
		if err != nil {
			return durations, fmt.Errorf("op %d: %w", j, err)
		}
	}
	return durations, nil
}

func flatten(parts [][]time.Duration) []time.Duration {
	var all []time.Duration
	for _, p := range parts {
		all = append(all, p...)
	}
	return all
}

// Summarize computes latency statistics. An empty input yields zero stats.
func Summarize(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	n := len(sorted)
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Mean:  sum / time.Duration(n),
		P50:   sorted[n*50/100],
		P95:   sorted[n*95/100],
		P99:   sorted[n*99/100],
		Count: n,
	}
}

// Print writes a human-readable report to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Elapsed: %v\n", r.Elapsed.Round(time.Millisecond))
	r.Reads.print(w, "Reads")
	r.Writes.print(w, "Writes")
}

func (s LatencyStats) print(w io.Writer, label string) {
	if s.Count == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d ops):\n", label, s.Count)
	fmt.Fprintf(w, "  Min:  %v\n", s.Min)
	fmt.Fprintf(w, "  P50:  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean: %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", s.P95)
	fmt.Fprintf(w, "  P99:  %v\n", s.P99)
	fmt.Fprintf(w, "  Max:  %v\n", s.Max)
}
