package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// Outcome classifies how a Sync call ended.
type Outcome string

const (
	// OutcomeCompleted means every phase of the cycle succeeded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the cycle ran but at least one phase failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkippedOffline means the signal reported no connectivity.
	OutcomeSkippedOffline Outcome = "skipped_offline"
	// OutcomeSkippedInFlight means another cycle was already running.
	OutcomeSkippedInFlight Outcome = "skipped_in_flight"
)

// Result describes one Sync call.
type Result struct {
	Outcome      Outcome
	Requeued     int
	Uploaded     int
	UploadFailed int
	Downloaded   int
	Duration     time.Duration
	// Err joins every error the cycle hit. It is nil for skipped cycles.
	Err error
}

// Config configures an Engine.
type Config struct {
	// Entity names the record type in logs and metrics.
	Entity string
	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger
	// Recorder receives measurements. Optional.
	Recorder Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine runs sync cycles for one entity type.
type Engine[T Record] struct {
	store    Store[T]
	remote   Remote[T]
	signal   Signal
	entity   string
	logger   *log.Logger
	recorder Recorder
	now      func() time.Time

	// syncing is the single-flight guard.
	syncing atomic.Bool

	mu     stdsync.Mutex
	state  State[T]
	subs   map[int]chan State[T]
	nextID int
}

// New creates an Engine. Nothing runs until Refresh or Sync is called.
func New[T Record](store Store[T], remote Remote[T], signal Signal, cfg Config) *Engine[T] {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine[T]{
		store:    store,
		remote:   remote,
		signal:   signal,
		entity:   cfg.Entity,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		now:      cfg.Now,
		subs:     make(map[int]chan State[T]),
	}
}

// Entity returns the entity name the engine was configured with.
func (e *Engine[T]) Entity() string {
	return e.entity
}

// Sync runs one cycle: requeue due failures, upload pending records,
// download and reconcile the remote set, refresh the snapshot.
//
// Errors are reported through the Result and State, never by aborting the
// cycle.
func (e *Engine[T]) Sync(ctx context.Context) Result {
	if !e.signal.Online() {
		e.recorder.ObserveCycle(e.entity, OutcomeSkippedOffline, 0)
		return Result{Outcome: OutcomeSkippedOffline}
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.recorder.ObserveCycle(e.entity, OutcomeSkippedInFlight, 0)
		return Result{Outcome: OutcomeSkippedInFlight}
	}
	defer e.syncing.Store(false)

	start := e.now()
	e.update(func(s *State[T]) { s.IsSyncing = true })

	var (
		result Result
		errs   []error
	)

	n, err := e.store.RequeueFailed(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to requeue failed records: %w", err))
	} else if n > 0 {
		e.logger.Printf("%s: requeued %d failed record(s) for retry", e.entity, n)
	}
	result.Requeued = n

	if err := e.upload(ctx, &result); err != nil {
		errs = append(errs, err)
	}

	downloaded := true
	if err := e.download(ctx, &result); err != nil {
		errs = append(errs, err)
		downloaded = false
	}

	var records []T
	if downloaded {
		records, err = e.store.FindAllActive(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load active records: %w", err))
			downloaded = false
		}
	}

	hasFailed, err := e.store.HasFailed(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to check failed records: %w", err))
		hasFailed = result.UploadFailed > 0
	}

	result.Err = errors.Join(errs...)
	result.Duration = e.now().Sub(start)
	result.Outcome = OutcomeCompleted
	if result.Err != nil {
		result.Outcome = OutcomeFailed
		e.logger.Printf("%s: sync finished with errors: %v", e.entity, result.Err)
	} else {
		e.logger.Printf("%s: sync complete: uploaded=%d downloaded=%d (%s)",
			e.entity, result.Uploaded, result.Downloaded, result.Duration)
	}

	finished := e.now()
	e.update(func(s *State[T]) {
		s.IsSyncing = false
		s.HasFailedSync = hasFailed
		s.LastError = result.Err
		s.LastSyncAt = finished
		if downloaded {
			s.Records = records
			s.Loaded = true
		}
	})

	e.recorder.ObserveCycle(e.entity, result.Outcome, result.Duration)
	return result
}

// upload pushes every pending record as one batch.
func (e *Engine[T]) upload(ctx context.Context, result *Result) error {
	pending, err := e.store.GetUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("failed to read unsynced records: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.RecordID()
	}

	if pushErr := e.remote.Push(ctx, pending); pushErr != nil {
		result.UploadFailed = len(ids)
		e.recorder.AddUploadFailed(e.entity, len(ids))
		e.logger.Printf("%s: upload of %d record(s) failed: %v", e.entity, len(ids), pushErr)
		if err := e.store.MarkAsFailed(ctx, ids); err != nil {
			return errors.Join(
				fmt.Errorf("upload failed: %w", pushErr),
				fmt.Errorf("failed to mark records as failed: %w", err),
			)
		}
		return fmt.Errorf("upload failed: %w", pushErr)
	}

	if err := e.store.MarkAsSynced(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark records as synced: %w", err)
	}
	result.Uploaded = len(ids)
	e.recorder.AddUploaded(e.entity, len(ids))
	return nil
}

// download pulls the remote set and reconciles it into the store.
func (e *Engine[T]) download(ctx context.Context, result *Result) error {
	records, err := e.remote.Pull(ctx)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	if err := e.store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("failed to store downloaded records: %w", err)
	}
	result.Downloaded = len(records)
	e.recorder.AddDownloaded(e.entity, len(records))
	return nil
}

// DeleteRecord deletes a record everywhere it can. The remote delete is best
// effort and skipped while offline; the local tombstone is always written and
// the snapshot refreshed. Only local store failures are returned.
func (e *Engine[T]) DeleteRecord(ctx context.Context, id string) error {
	if e.signal.Online() {
		if err := e.remote.Delete(ctx, id); err != nil {
			e.logger.Printf("%s: remote delete of %s failed, will sync tombstone later: %v", e.entity, id, err)
		}
	}

	if err := e.store.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return e.Refresh(ctx)
}

// Refresh reloads the snapshot from the local store without touching the
// network.
func (e *Engine[T]) Refresh(ctx context.Context) error {
	records, err := e.store.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active records: %w", err)
	}
	hasFailed, err := e.store.HasFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to check failed records: %w", err)
	}

	e.update(func(s *State[T]) {
		s.Records = records
		s.HasFailedSync = hasFailed
		s.Loaded = true
	})
	return nil
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine[T]) IsSyncing() bool {
	return e.syncing.Load()
}
