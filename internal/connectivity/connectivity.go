// Package connectivity reports whether the remote API is reachable.
//
// A Flag holds the current value. A Probe keeps a Flag up to date by polling
// the server's health endpoint, and listeners registered with OnChange run on
// every offline/online transition.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Signal reports network reachability.
type Signal interface {
	Online() bool
}

// Flag is a settable Signal.
type Flag struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool)
}

// NewFlag creates a Flag with the given initial value.
func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.online.Store(online)
	return f
}

// Online implements Signal.
func (f *Flag) Online() bool {
	return f.online.Load()
}

// Set updates the flag. Listeners run synchronously, in registration order,
// only when the value changes. Set reports whether it did.
func (f *Flag) Set(online bool) bool {
	if f.online.Swap(online) == online {
		return false
	}

	f.mu.Lock()
	listeners := append([]func(bool){}, f.listeners...)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers fn to run after every transition.
func (f *Flag) OnChange(fn func(online bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	// URL is fetched with GET; any 2xx answer means online.
	URL string
	// Interval between checks.
	Interval time.Duration
	// Timeout bounds a single check.
	Timeout time.Duration
}

// DefaultProbeConfig returns a config probing url every 15 seconds.
func DefaultProbeConfig(url string) ProbeConfig {
	return ProbeConfig{
		URL:      url,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Probe polls a health URL and mirrors the result into a Flag.
type Probe struct {
	cfg    ProbeConfig
	flag   *Flag
	client *http.Client
	logger *log.Logger
}

// NewProbe creates a Probe that updates flag. If logger is nil, a default
// logger writing to stderr is used.
func NewProbe(cfg ProbeConfig, flag *Flag, logger *log.Logger) *Probe {
	d := DefaultProbeConfig(cfg.URL)
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Probe{
		cfg:    cfg,
		flag:   flag,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Check performs one probe, updates the flag and returns the result.
func (p *Probe) Check(ctx context.Context) bool {
	err := p.ping(ctx)
	online := err == nil
	if p.flag.Set(online) {
		if online {
			p.logger.Printf("Remote reachable at %s", p.cfg.URL)
		} else {
			p.logger.Printf("Remote unreachable: %v", err)
		}
	}
	return online
}

func (p *Probe) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Run checks immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
