package db

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mschirtzinger/jotsync/internal/local/migrate"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "nested", "test.db")
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	for _, driver := range []Driver{DriverSQLite3, DriverModernc} {
		t.Run(string(driver), func(t *testing.T) {
			opts := DefaultOptions(testDBPath(t))
			opts.Driver = driver
			db, err := OpenContext(context.Background(), opts)
			if err != nil {
				t.Fatalf("OpenContext() failed: %v", err)
			}
			defer db.Close()

			var mode string
			if err := db.RawDB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
				t.Fatalf("journal_mode query failed: %v", err)
			}
			if mode != "wal" {
				t.Errorf("journal_mode = %q, want wal", mode)
			}

			var fk int
			if err := db.RawDB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
				t.Fatalf("foreign_keys query failed: %v", err)
			}
			if fk != 1 {
				t.Errorf("foreign_keys = %d, want 1", fk)
			}
		})
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := OpenContext(context.Background(), Options{}); err == nil {
		t.Fatal("OpenContext() with empty path expected error")
	}
}

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    Driver
		wantErr bool
	}{
		{"", DriverSQLite3, false},
		{"sqlite3", DriverSQLite3, false},
		{"modernc", DriverModernc, false},
		{"SQLite", DriverModernc, false},
		{"libsql", DriverLibSQL, false},
		{"postgres", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDriver(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDriver(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDriver(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandle_OpensOnceAndMigrates(t *testing.T) {
	h := NewHandle(DefaultOptions(testDBPath(t)), quietLogger())
	defer h.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*DB, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := h.Get(ctx)
			if err != nil {
				t.Errorf("Get() failed: %v", err)
				return
			}
			results[i] = db
		}(i)
	}
	wg.Wait()

	for i, db := range results {
		if db != results[0] {
			t.Fatalf("Get() #%d returned a different *DB", i)
		}
	}

	version, err := migrate.NewRunner(results[0].RawDB(), quietLogger()).CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != migrate.LatestVersion() {
		t.Errorf("version = %d, want %d", version, migrate.LatestVersion())
	}
}

func TestHandle_GetAfterClose(t *testing.T) {
	h := NewHandle(DefaultOptions(testDBPath(t)), quietLogger())
	if _, err := h.Get(context.Background()); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := h.Get(context.Background()); err == nil {
		t.Fatal("Get() after Close() expected error")
	}
}

func TestSnapshot(t *testing.T) {
	h := NewHandle(DefaultOptions(testDBPath(t)), quietLogger())
	defer h.Close()
	ctx := context.Background()

	db, err := h.Get(ctx)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	_, err = db.RawDB().Exec(`INSERT INTO entries (id, title, created_at, updated_at) VALUES ('e-1', 'hello', 'x', 'x')`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup", "snap.db")
	if err := db.Snapshot(ctx, dest); err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if err := db.Snapshot(ctx, dest); err == nil {
		t.Error("Snapshot() onto an existing file expected error")
	}

	snap, err := Open(dest)
	if err != nil {
		t.Fatalf("Open(snapshot) failed: %v", err)
	}
	defer snap.Close()

	var title string
	if err := snap.RawDB().QueryRow(`SELECT title FROM entries WHERE id = 'e-1'`).Scan(&title); err != nil {
		t.Fatalf("query snapshot failed: %v", err)
	}
	if title != "hello" {
		t.Errorf("title = %q, want hello", title)
	}
}
