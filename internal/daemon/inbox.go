package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// InboxWatcher watches a drop folder for *.json and *.jsonl files and hands
// each one to a handler once writes to it have settled.
type InboxWatcher struct {
	dir      string
	debounce time.Duration
	logger   *log.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event
}

// NewInboxWatcher creates the inbox and its processed/ and failed/
// subdirectories if needed.
func NewInboxWatcher(dir string, debounce time.Duration, logger *log.Logger) (*InboxWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox: %w", err)
	}
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create inbox: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch inbox %s: %w", abs, err)
	}

	if debounce <= 0 {
		debounce = DefaultConfig().DebounceInterval
	}
	return &InboxWatcher{
		dir:      abs,
		debounce: debounce,
		logger:   logger,
		watcher:  watcher,
		pending:  make(map[string]time.Time),
	}, nil
}

// Dir returns the absolute inbox path.
func (w *InboxWatcher) Dir() string {
	return w.dir
}

// Run calls handle for files already in the inbox, then for every file that
// arrives, until ctx is done. The watcher is closed on return.
func (w *InboxWatcher) Run(ctx context.Context, handle func(path string)) error {
	defer w.watcher.Close()

	if err := w.queueExisting(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isInboxFile(event.Name) {
				continue
			}
			// Removals and renames are our own moves to processed/ and failed/.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.queue(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			for _, path := range w.settled(time.Now()) {
				handle(path)
			}
		}
	}
}

func (w *InboxWatcher) queueExisting() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, f := range files {
		if !f.IsDir() && isInboxFile(f.Name()) {
			w.queue(filepath.Join(w.dir, f.Name()))
		}
	}
	return nil
}

func (w *InboxWatcher) queue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = time.Now()
}

// settled removes and returns the queued paths that have been quiet for the
// debounce interval.
func (w *InboxWatcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []string
	for path, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		delete(w.pending, path)
		if _, err := os.Stat(path); err == nil {
			ready = append(ready, path)
		}
	}
	return ready
}

// Archive moves a handled file to processed/ or failed/. A timestamp is
// prepended so repeated drops of the same name don't collide.
func (w *InboxWatcher) Archive(path string, ok bool) (string, error) {
	sub := processedDir
	if !ok {
		sub = failedDir
	}
	dest := filepath.Join(w.dir, sub, time.Now().UTC().Format("20060102T150405.000000000")+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", filepath.Base(path), err)
	}
	return dest, nil
}

func isInboxFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}
