package sync

import (
	"context"
	"time"
)

// Record is anything the engine can sync. The id must be stable and
// globally unique.
type Record interface {
	RecordID() string
}

// Store is the local side of a sync. repo.EntryRepository implements
// Store[schema.Entry].
type Store[T Record] interface {
	// GetUnsynced returns every record waiting to be pushed.
	GetUnsynced(ctx context.Context) ([]T, error)
	// MarkAsSynced moves records to the synced state.
	MarkAsSynced(ctx context.Context, ids []string) error
	// MarkAsFailed moves records to the failed state.
	MarkAsFailed(ctx context.Context, ids []string) error
	// Upsert writes remote records, marking them synced.
	Upsert(ctx context.Context, records []T) error
	// FindAllActive returns the records that are not soft-deleted.
	FindAllActive(ctx context.Context) ([]T, error)
	// SoftDelete tombstones a record and marks it pending.
	SoftDelete(ctx context.Context, id string) error
	// HasFailed reports whether any record is in the failed state.
	HasFailed(ctx context.Context) (bool, error)
	// RequeueFailed moves failed records that are due for a retry back to
	// pending and returns how many it moved.
	RequeueFailed(ctx context.Context) (int, error)
}

// Remote is the server side of a sync.
type Remote[T Record] interface {
	// Pull fetches the full remote record set.
	Pull(ctx context.Context) ([]T, error)
	// Push uploads a batch. A nil error means the whole batch was accepted.
	Push(ctx context.Context, records []T) error
	// Delete removes one record remotely.
	Delete(ctx context.Context, id string) error
}

// Signal reports network reachability.
type Signal interface {
	Online() bool
}

// Recorder receives sync measurements. internal/metrics provides a
// Prometheus implementation.
type Recorder interface {
	ObserveCycle(entity string, outcome Outcome, duration time.Duration)
	AddUploaded(entity string, n int)
	AddUploadFailed(entity string, n int)
	AddDownloaded(entity string, n int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveCycle(string, Outcome, time.Duration) {}
func (noopRecorder) AddUploaded(string, int)                     {}
func (noopRecorder) AddUploadFailed(string, int)                 {}
func (noopRecorder) AddDownloaded(string, int)                   {}

// MultiRecorder fans measurements out to every non-nil recorder.
func MultiRecorder(recorders ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) ObserveCycle(entity string, outcome Outcome, d time.Duration) {
	for _, r := range m {
		r.ObserveCycle(entity, outcome, d)
	}
}

func (m multiRecorder) AddUploaded(entity string, n int) {
	for _, r := range m {
		r.AddUploaded(entity, n)
	}
}

func (m multiRecorder) AddUploadFailed(entity string, n int) {
	for _, r := range m {
		r.AddUploadFailed(entity, n)
	}
}

func (m multiRecorder) AddDownloaded(entity string, n int) {
	for _, r := range m {
		r.AddDownloaded(entity, n)
	}
}
