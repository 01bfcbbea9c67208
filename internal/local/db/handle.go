package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
)

// Handle is the process-wide store connection. The store is opened and
// migrated on the first Get; later calls return the same *DB.
//
// A failed open is not cached, so the next Get tries again.
type Handle struct {
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	db     *DB
	closed bool
}

// NewHandle creates a Handle. Nothing is opened until Get is called.
func NewHandle(opts Options, logger *log.Logger) *Handle {
	if logger == nil {
		logger = log.New(os.Stderr, "[db] ", log.LstdFlags)
	}
	return &Handle{opts: opts, logger: logger}
}

// Get returns the open, fully migrated store.
//
// Migration errors are returned as is; a store whose schema cannot be brought
// up to date is never handed out.
func (h *Handle) Get(ctx context.Context) (*DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("database handle is closed")
	}
	if h.db != nil {
		return h.db, nil
	}

	db, err := OpenContext(ctx, h.opts)
	if err != nil {
		return nil, err
	}

	applied, err := db.Migrate(ctx, h.logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", h.opts.Path, err)
	}
	if len(applied) > 0 {
		h.logger.Printf("Applied %d migration(s) to %s", len(applied), h.opts.Path)
	}

	h.db = db
	return db, nil
}

// Close closes the store if it was opened. Get fails after Close.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}
