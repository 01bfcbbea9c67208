// Package daemon keeps a local store in sync in the background.
//
// The daemon:
//  1. Runs a sync cycle on start and then on a fixed interval
//  2. Runs a sync as soon as connectivity comes back
//  3. Imports entry files dropped into an inbox directory
//  4. Shuts everything down when its context is cancelled
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/jotsync/internal/connectivity"
	"github.com/mschirtzinger/jotsync/internal/local/transfer"
	jsync "github.com/mschirtzinger/jotsync/internal/sync"
)

// Syncer runs sync cycles. *sync.Engine implements it.
type Syncer interface {
	Sync(ctx context.Context) jsync.Result
	Entity() string
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a cycle. Zero disables the ticker;
	// cycles then only run on start, on reconnect and after imports.
	SyncInterval time.Duration

	// Inbox is watched for *.json and *.jsonl entry files. Empty disables it.
	Inbox string

	// DebounceInterval is how long an inbox file must be quiet before it is
	// imported.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync cycles and inbox imports.
type Daemon struct {
	syncer   Syncer
	flag     *connectivity.Flag
	probe    *connectivity.Probe
	importer transfer.Importer
	config   Config

	trigger chan struct{}
}

// Option configures optional daemon components.
type Option func(*Daemon)

// WithProbe runs p alongside the daemon to keep the connectivity flag
// current.
func WithProbe(p *connectivity.Probe) Option {
	return func(d *Daemon) { d.probe = p }
}

// WithImporter sets the store inbox files are imported into. It is
// required when Config.Inbox is set.
func WithImporter(i transfer.Importer) Option {
	return func(d *Daemon) { d.importer = i }
}

// New creates a daemon. flag is the connectivity signal the syncer also
// reads; its offline to online transitions trigger a cycle.
func New(syncer Syncer, flag *connectivity.Flag, config Config, opts ...Option) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if flag == nil {
		return nil, fmt.Errorf("connectivity flag cannot be nil")
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.SyncInterval < 0 {
		return nil, fmt.Errorf("sync interval cannot be negative")
	}

	d := &Daemon{
		syncer:  syncer,
		flag:    flag,
		config:  config,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if config.Inbox != "" && d.importer == nil {
		return nil, fmt.Errorf("inbox requires an importer")
	}
	return d, nil
}

// Trigger asks for a sync cycle as soon as possible. Requests made while
// one is already queued are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	logger := d.config.Logger
	logger.Printf("Starting daemon for %s (interval %s)", d.syncer.Entity(), d.config.SyncInterval)

	var inbox *InboxWatcher
	if d.config.Inbox != "" {
		w, err := NewInboxWatcher(d.config.Inbox, d.config.DebounceInterval, logger)
		if err != nil {
			return err
		}
		inbox = w
		logger.Printf("Watching inbox: %s", w.Dir())
	}

	d.flag.OnChange(func(online bool) {
		if online {
			logger.Println("Back online, scheduling sync")
			d.Trigger()
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.syncLoop(ctx)
		return nil
	})
	if d.probe != nil {
		g.Go(func() error {
			d.probe.Run(ctx)
			return nil
		})
	}
	if inbox != nil {
		g.Go(func() error {
			return inbox.Run(ctx, func(path string) { d.importFile(ctx, inbox, path) })
		})
	}

	err := g.Wait()
	logger.Println("Daemon stopped")
	return err
}

func (d *Daemon) syncLoop(ctx context.Context) {
	var tick <-chan time.Time
	if d.config.SyncInterval > 0 {
		ticker := time.NewTicker(d.config.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.runSync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			d.runSync(ctx)
		case <-d.trigger:
			d.runSync(ctx)
		}
	}
}

func (d *Daemon) runSync(ctx context.Context) {
	result := d.syncer.Sync(ctx)
	switch result.Outcome {
	case jsync.OutcomeSkippedOffline:
		d.config.Logger.Println("Offline, sync skipped")
	case jsync.OutcomeSkippedInFlight:
		d.config.Logger.Println("Sync already running, skipped")
	case jsync.OutcomeFailed:
		d.config.Logger.Printf("Sync failed: %v", result.Err)
	}
}

func (d *Daemon) importFile(ctx context.Context, inbox *InboxWatcher, path string) {
	logger := d.config.Logger
	result, err := transfer.ImportFile(ctx, path, d.importer, transfer.ImportOptions{})

	ok := err == nil
	dest, archiveErr := inbox.Archive(path, ok)
	if archiveErr != nil {
		logger.Printf("Error: %v", archiveErr)
	}

	if err != nil {
		logger.Printf("Import of %s failed: %v (moved to %s)", path, err, dest)
		return
	}
	for _, msg := range result.Errors {
		logger.Printf("Import %s: %s", path, msg)
	}
	logger.Printf("Imported %s: created=%d inserted=%d skipped=%d", path, result.Created, result.Inserted, result.Skipped)
	if result.Created+result.Inserted > 0 {
		d.Trigger()
	}
}
