// Package backup writes consistent copies of the local store to a
// destination directory or an S3-compatible bucket.
//
// A backup is taken with VACUUM INTO, so it is safe while the daemon is
// writing, and then handed to a Target under a timestamped name.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	localdb "github.com/mschirtzinger/jotsync/internal/local/db"
)

// KeyLayout formats the timestamp part of backup names.
const KeyLayout = "20060102T150405Z"

// Target receives finished snapshots.
type Target interface {
	// Put stores size bytes from r under key and returns where they went.
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64) (string, error)
}

// Result describes a finished backup.
type Result struct {
	Key      string
	Location string
	Size     int64
}

// Key returns the object name for a backup taken at t.
func Key(prefix string, t time.Time) string {
	name := "jot-" + t.UTC().Format(KeyLayout) + ".db"
	if prefix == "" {
		return name
	}
	return filepath.ToSlash(filepath.Join(prefix, name))
}

// Run snapshots store and hands the snapshot to target.
func Run(ctx context.Context, store *localdb.DB, target Target, prefix string, now time.Time) (*Result, error) {
	tmpDir, err := os.MkdirTemp("", "jot-backup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if err := store.Snapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	key := Key(prefix, now)
	location, err := target.Put(ctx, key, f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to store backup %s: %w", key, err)
	}
	return &Result{Key: key, Location: location, Size: info.Size()}, nil
}

// DirTarget writes backups into a local directory.
type DirTarget struct {
	Dir string
}

// Put implements Target. Existing files are never overwritten.
func (d DirTarget) Put(ctx context.Context, key string, r io.ReadSeeker, size int64) (string, error) {
	dest := filepath.Join(d.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dest, err)
	}

	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if n != size {
		_ = os.Remove(dest)
		return "", fmt.Errorf("short write to %s: %d of %d bytes", dest, n, size)
	}
	return dest, nil
}
