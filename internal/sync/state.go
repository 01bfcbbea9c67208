package sync

import (
	"slices"
	"time"
)

// State is a snapshot of an engine as seen by the UI.
type State[T Record] struct {
	// Records are the active records as of the last refresh, newest first.
	Records []T
	// Loaded is false until the first successful refresh.
	Loaded bool
	// IsSyncing is true while a cycle runs.
	IsSyncing bool
	// HasFailedSync is true while any record is in the failed state.
	HasFailedSync bool
	// LastError is the error of the last cycle, nil if it succeeded.
	LastError error
	// LastSyncAt is when the last cycle finished. Zero before the first.
	LastSyncAt time.Time
}

// State returns a copy of the current snapshot.
func (e *Engine[T]) State() State[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine[T]) snapshotLocked() State[T] {
	s := e.state
	s.Records = slices.Clone(e.state.Records)
	return s
}

// Subscribe returns a channel that receives the state after every change,
// and a function that unsubscribes and closes the channel.
//
// Slow subscribers only see the latest state; intermediate states are
// dropped.
func (e *Engine[T]) Subscribe() (<-chan State[T], func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	ch := make(chan State[T], 1)
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// update mutates the state and notifies subscribers.
func (e *Engine[T]) update(fn func(*State[T])) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.state)
	for _, ch := range e.subs {
		snapshot := e.snapshotLocked()
		select {
		case ch <- snapshot:
		default:
			// Replace the stale value nobody has read yet.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}
