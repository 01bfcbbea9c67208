// Package transfer moves entries in and out of the local store as files.
//
// Import reads JSON Lines or plain JSON. A record with an "id" is a complete
// entry and keeps its id and timestamps; a record without one is a new entry
// and gets a fresh id. Every imported entry is pending, so the next sync pushes it.
//
// Export writes the active entries as a JSON array, JSON Lines or YAML.
package transfer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// maxLineSize bounds a single JSONL line.
const maxLineSize = 4 << 20

// Importer is the store surface an import needs. repo.EntryRepository
// implements it.
type Importer interface {
	Create(ctx context.Context, payload schema.Payload) (*schema.Entry, error)
	Insert(ctx context.Context, entries []schema.Entry) (int, error)
}

// ImportOptions configures an import.
type ImportOptions struct {
	DryRun bool // Parse and validate without writing
	// Now stamps complete entries that carry no timestamps. Defaults to
	// time.Now.
	Now func() time.Time
}

// ImportResult contains statistics about the import.
type ImportResult struct {
	Lines    int
	Created  int // new entries given a fresh id
	Inserted int // complete entries written with their own id
	Skipped  int // complete entries whose id already existed
	Errors   []string
}

// Batch is a parsed import file.
type Batch struct {
	Entries  []schema.Entry
	Payloads []schema.Payload
	Lines    int // records seen, blank lines excluded
	Errors   []string
}

// ReadJSONL parses r. Blank lines are ignored; lines that fail to parse or
// validate are reported in Batch.Errors and skipped.
func ReadJSONL(r io.Reader, now time.Time) (*Batch, error) {
	batch := &Batch{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		batch.Lines++
		batch.add(line, fmt.Sprintf("line %d", lineNum), now)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return batch, nil
}

// ReadJSON parses a JSON document holding one entry object, an array of
// them, or a stream of concatenated objects. Records are numbered from 1 in
// error messages.
func ReadJSON(r io.Reader, now time.Time) (*Batch, error) {
	batch := &Batch{}
	decoder := json.NewDecoder(r)
	record := 0
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON after record %d: %w", record, err)
		}

		items := []json.RawMessage{raw}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
			items = nil
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("invalid JSON array after record %d: %w", record, err)
			}
		}
		for _, item := range items {
			record++
			batch.Lines++
			batch.add(item, fmt.Sprintf("record %d", record), now)
		}
	}
	return batch, nil
}

// add parses one record. label locates it in error messages.
func (b *Batch) add(raw []byte, label string, now time.Time) {
	var e schema.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		b.Errors = append(b.Errors, fmt.Sprintf("%s: invalid JSON: %v", label, err))
		return
	}

	if strings.TrimSpace(e.ID) == "" {
		p := schema.Payload{Title: e.Title, Body: e.Body, Mood: e.Mood, EntryDate: e.EntryDate}
		if err := p.Validate(); err != nil {
			b.Errors = append(b.Errors, fmt.Sprintf("%s: %v", label, err))
			return
		}
		b.Payloads = append(b.Payloads, p)
		return
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	e.SyncState = schema.SyncPending
	if err := e.Validate(); err != nil {
		b.Errors = append(b.Errors, fmt.Sprintf("%s: %v", label, err))
		return
	}
	b.Entries = append(b.Entries, e)
}

// Import reads JSONL from r into the store.
func Import(ctx context.Context, r io.Reader, store Importer, opts ImportOptions) (*ImportResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	batch, err := ReadJSONL(r, opts.Now().UTC())
	if err != nil {
		return nil, err
	}
	return Apply(ctx, batch, store, opts)
}

// Apply writes a parsed batch to the store.
func Apply(ctx context.Context, batch *Batch, store Importer, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{Lines: batch.Lines, Errors: batch.Errors}
	if opts.DryRun {
		result.Created = len(batch.Payloads)
		result.Inserted = len(batch.Entries)
		return result, nil
	}

	if len(batch.Entries) > 0 {
		n, err := store.Insert(ctx, batch.Entries)
		if err != nil {
			return nil, fmt.Errorf("failed to insert entries: %w", err)
		}
		result.Inserted = n
		result.Skipped = len(batch.Entries) - n
	}

	for _, p := range batch.Payloads {
		if _, err := store.Create(ctx, p); err != nil {
			return result, fmt.Errorf("failed to create entry %q: %w", p.Title, err)
		}
		result.Created++
	}
	return result, nil
}

// ImportFile imports the file at path. Files ending in .json are read as a
// JSON document (see ReadJSON), anything else as JSON Lines.
func ImportFile(ctx context.Context, path string, store Importer, opts ImportOptions) (*ImportResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	read := ReadJSONL
	if strings.EqualFold(filepath.Ext(path), ".json") {
		read = ReadJSON
	}
	batch, err := read(f, opts.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return Apply(ctx, batch, store, opts)
}

// Format is an export encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an export format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatJSONL, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json, jsonl or yaml)", s)
}

// FormatFromPath guesses the format from a file extension, defaulting to
// JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".jsonl", ".ndjson":
		return FormatJSONL
	}
	return FormatJSON
}

// Export writes entries to w.
func Export(w io.Writer, entries []schema.Entry, format Format) error {
	if entries == nil {
		entries = []schema.Entry{}
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return fmt.Errorf("failed to encode entry %s: %w", entries[i].ID, err)
			}
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown export format %q", format)
}

// ExportFile writes entries to path atomically via a temp file.
func ExportFile(path string, entries []schema.Entry, format Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Export(&buf, entries, format); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
