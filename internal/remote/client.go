// Package remote talks to the journal's HTTP sync API.
//
// The API exposes three routes per entity collection:
//
//	GET    /{entity}        full record set
//	POST   /{entity}/sync   upload a batch of pending records (all or nothing)
//	DELETE /{entity}/{id}   delete one record
//
// Every record coming back from the server is decoded and validated here;
// records that fail validation are dropped and logged so they never reach
// the local store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// ErrStatus is matched by errors for non-2xx responses.
var ErrStatus = errors.New("unexpected response status")

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is reports ErrStatus so callers can use errors.Is.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Config holds client settings.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8787.
	BaseURL string
	// Timeout bounds every request. Zero means DefaultTimeout.
	Timeout time.Duration
	// Token, when set, is sent as a bearer token.
	Token string
	// Logger defaults to stderr with a "[remote] " prefix.
	Logger *log.Logger
	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
}

// DefaultTimeout bounds requests when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// DefaultConfig returns a Config for baseURL with default settings.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: DefaultTimeout,
	}
}

// Client is a typed client for one entity collection.
type Client[T any] struct {
	http     *http.Client
	base     *url.URL
	entity   string
	token    string
	validate func(*T) error
	logger   *log.Logger
}

// NewClient creates a client for the entity collection. validate is run on
// every downloaded record.
func NewClient[T any](cfg Config, entity string, validate func(*T) error) (*Client[T], error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if entity == "" {
		return nil, fmt.Errorf("entity is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client[T]{
		http:     httpClient,
		base:     base,
		entity:   entity,
		token:    cfg.Token,
		validate: validate,
		logger:   logger,
	}, nil
}

// NewEntryClient creates a client for journal entries.
func NewEntryClient(cfg Config) (*Client[schema.Entry], error) {
	return NewClient(cfg, schema.Entity, (*schema.Entry).Validate)
}

// Pull fetches the full record set. Records that fail to decode or validate
// are skipped.
func (c *Client[T]) Pull(ctx context.Context) ([]T, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", c.entity, err)
	}

	records, dropped := c.decodeRecords(raw)
	if dropped > 0 {
		c.logger.Printf("%s: dropped %d invalid record(s) from server", c.entity, dropped)
	}
	return records, nil
}

// decodeRecords decodes each element on its own so one bad record does not
// spoil the batch.
func (c *Client[T]) decodeRecords(raw []json.RawMessage) ([]T, int) {
	records := make([]T, 0, len(raw))
	dropped := 0
	for i, msg := range raw {
		var rec T
		if err := json.Unmarshal(msg, &rec); err != nil {
			c.logger.Printf("%s: skipping record %d: %v", c.entity, i, err)
			dropped++
			continue
		}
		if c.validate != nil {
			if err := c.validate(&rec); err != nil {
				c.logger.Printf("%s: skipping record %d: %v", c.entity, i, err)
				dropped++
				continue
			}
		}
		records = append(records, rec)
	}
	return records, dropped
}

// Push uploads records in one request. A nil error means the server accepted
// the whole batch.
func (c *Client[T]) Push(ctx context.Context, records []T) error {
	if records == nil {
		records = []T{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c.entity, err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint("sync"), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Delete removes one record. A record the server does not know is treated
// as already deleted.
func (c *Client[T]) Delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint(id), nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// endpoint joins the entity collection path with escaped segments.
func (c *Client[T]) endpoint(segments ...string) string {
	parts := append([]string{c.entity}, segments...)
	return c.base.JoinPath(parts...).String()
}

// do sends a request and returns the response for 2xx statuses. Other
// statuses are turned into a *StatusError and the body is closed.
func (c *Client[T]) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: method,
			URL:    target,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}
