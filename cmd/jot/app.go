package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mschirtzinger/jotsync/internal/connectivity"
	"github.com/mschirtzinger/jotsync/internal/local/db"
	"github.com/mschirtzinger/jotsync/internal/local/repo"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
	"github.com/mschirtzinger/jotsync/internal/logging"
	"github.com/mschirtzinger/jotsync/internal/remote"
	jsync "github.com/mschirtzinger/jotsync/internal/sync"
)

var errNoRemote = errors.New("no remote configured (set remote.url or --remote)")

// app wires the components a command needs. Construct with newApp and
// always Close.
type app struct {
	logs   *logging.Factory
	handle *db.Handle
	store  *db.DB
	repo   *repo.EntryRepository
}

func newApp(ctx context.Context) (*app, error) {
	logOpts := logging.DefaultOptions()
	logOpts.File = cfg.Log.File
	if cfg.Log.MaxSizeMB > 0 {
		logOpts.MaxSizeMB = cfg.Log.MaxSizeMB
	}
	logOpts.MaxBackups = cfg.Log.MaxBackups
	logOpts.MaxAgeDays = cfg.Log.MaxAgeDays
	logs, err := logging.NewFactory(logOpts)
	if err != nil {
		return nil, err
	}

	opts, err := storeOptions(cfg.DB.Path)
	if err != nil {
		logs.Close()
		return nil, err
	}

	handle := db.NewHandle(opts, logs.Logger("db"))
	store, err := handle.Get(ctx)
	if err != nil {
		handle.Close()
		logs.Close()
		return nil, err
	}

	policy := repo.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	return &app{
		logs:   logs,
		handle: handle,
		store:  store,
		repo:   repo.NewEntryRepository(store.RawDB(), repo.WithRetryPolicy(policy)),
	}, nil
}

// storeOptions applies the configured driver and pool settings to the store
// at path.
func storeOptions(path string) (db.Options, error) {
	driver, err := db.ParseDriver(cfg.DB.Driver)
	if err != nil {
		return db.Options{}, err
	}
	opts := db.DefaultOptions(path)
	opts.Driver = driver
	if cfg.DB.BusyTimeout > 0 {
		opts.BusyTimeout = cfg.DB.BusyTimeout
	}
	if cfg.DB.MaxOpenConns > 0 {
		opts.MaxOpenConns = cfg.DB.MaxOpenConns
	}
	return opts, nil
}

func (a *app) Close() {
	if err := a.handle.Close(); err != nil {
		a.logs.Logger("db").Printf("Error closing database: %v", err)
	}
	_ = a.logs.Close()
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}

// remoteClient returns the configured remote, or nil when there is none or
// --offline is set.
func (a *app) remoteClient() (*remote.Client[schema.Entry], error) {
	if offline || cfg.Remote.URL == "" {
		return nil, nil
	}
	rc := remote.DefaultConfig(cfg.Remote.URL)
	rc.Token = cfg.Remote.Token
	if cfg.Remote.Timeout > 0 {
		rc.Timeout = cfg.Remote.Timeout
	}
	rc.Logger = a.logger("remote")
	return remote.NewEntryClient(rc)
}

// connectivity builds the flag the engine reads. With --offline or without
// a remote it is pinned offline; otherwise it starts with one probe.
func (a *app) connectivity(ctx context.Context) (*connectivity.Flag, *connectivity.Probe) {
	if offline || cfg.Remote.URL == "" {
		return connectivity.NewFlag(false), nil
	}
	url := cfg.ProbeURL()
	if url == "" {
		return connectivity.NewFlag(true), nil
	}
	flag := connectivity.NewFlag(false)
	probe := connectivity.NewProbe(connectivity.ProbeConfig{
		URL:      url,
		Interval: cfg.Probe.Interval,
		Timeout:  cfg.Probe.Timeout,
	}, flag, a.logger("connectivity"))
	probe.Check(ctx)
	return flag, probe
}

// engine builds the entries sync engine.
func (a *app) engine(ctx context.Context, recorder jsync.Recorder) (*jsync.Engine[schema.Entry], *connectivity.Flag, *connectivity.Probe, error) {
	client, err := a.remoteClient()
	if err != nil {
		return nil, nil, nil, err
	}
	var rem jsync.Remote[schema.Entry] = unconfiguredRemote{}
	if client != nil {
		rem = client
	}

	flag, probe := a.connectivity(ctx)
	engine := jsync.New[schema.Entry](a.repo, rem, flag, jsync.Config{
		Entity:   schema.Entity,
		Logger:   a.logger("sync"),
		Recorder: recorder,
	})
	return engine, flag, probe, nil
}

// unconfiguredRemote stands in when no remote URL is set. The engine never
// calls it because the connectivity flag is pinned offline.
type unconfiguredRemote struct{}

func (unconfiguredRemote) Pull(context.Context) ([]schema.Entry, error) { return nil, errNoRemote }
func (unconfiguredRemote) Push(context.Context, []schema.Entry) error   { return errNoRemote }
func (unconfiguredRemote) Delete(context.Context, string) error         { return errNoRemote }

// mustHaveRemote fails commands that cannot do anything offline.
func mustHaveRemote() error {
	if offline {
		return fmt.Errorf("--offline is set")
	}
	if cfg.Remote.URL == "" {
		return errNoRemote
	}
	return nil
}
