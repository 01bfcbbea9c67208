package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
	jsync "github.com/mschirtzinger/jotsync/internal/sync"
)

// recentLimit caps the entries included in a state message.
const recentLimit = 50

// StateSource is the engine surface the dashboard watches.
type StateSource interface {
	State() jsync.State[schema.Entry]
	Subscribe() (<-chan jsync.State[schema.Entry], func())
}

// StateData is the payload of a state message.
type StateData struct {
	Entity        string         `json:"entity"`
	Loaded        bool           `json:"loaded"`
	IsSyncing     bool           `json:"is_syncing"`
	HasFailedSync bool           `json:"has_failed_sync"`
	LastError     string         `json:"last_error,omitempty"`
	LastSyncAt    *time.Time     `json:"last_sync_at,omitempty"`
	Active        int            `json:"active"`
	ByState       map[string]int `json:"by_state"`
	Recent        []EntrySummary `json:"recent"`
}

// EntrySummary is the per-entry view in a state message.
type EntrySummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SyncState string    `json:"sync_state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CycleData is the payload of a cycle message. Counters are totals since
// the handler started.
type CycleData struct {
	Entity       string  `json:"entity"`
	Outcome      string  `json:"outcome"`
	DurationMS   float64 `json:"duration_ms"`
	Uploaded     int     `json:"uploaded_total"`
	UploadFailed int     `json:"upload_failed_total"`
	Downloaded   int     `json:"downloaded_total"`
}

// Handler turns engine state changes into dashboard messages. It also
// implements sync.Recorder so cycle outcomes are broadcast as they happen.
type Handler struct {
	server *Server
	entity string
	logger *log.Logger

	mu     sync.Mutex
	totals CycleData
}

// NewHandler creates a handler broadcasting on server. Pass it to the engine
// as a Recorder, then call Run with the engine.
func NewHandler(server *Server, entity string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server: server,
		entity: entity,
		logger: logger,
		totals: CycleData{Entity: entity},
	}
}

// Run serves source's state to new clients and broadcasts every change
// until ctx is done.
func (h *Handler) Run(ctx context.Context, source StateSource) {
	h.server.SetSnapshot(func() Message { return h.stateMessage(source.State()) })
	defer h.server.SetSnapshot(nil)

	updates, unsubscribe := source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			h.server.Broadcast(h.stateMessage(state))
		}
	}
}

func (h *Handler) stateMessage(state jsync.State[schema.Entry]) Message {
	data := StateData{
		Entity:        h.entity,
		Loaded:        state.Loaded,
		IsSyncing:     state.IsSyncing,
		HasFailedSync: state.HasFailedSync,
		Active:        len(state.Records),
		ByState:       make(map[string]int),
		Recent:        make([]EntrySummary, 0, min(len(state.Records), recentLimit)),
	}
	if state.LastError != nil {
		data.LastError = state.LastError.Error()
	}
	if !state.LastSyncAt.IsZero() {
		at := state.LastSyncAt
		data.LastSyncAt = &at
	}
	for i, e := range state.Records {
		data.ByState[string(e.SyncState)]++
		if i < recentLimit {
			data.Recent = append(data.Recent, EntrySummary{
				ID:        e.ID,
				Title:     e.Title,
				SyncState: string(e.SyncState),
				UpdatedAt: e.UpdatedAt,
			})
		}
	}
	return h.message(MessageTypeState, data)
}

func (h *Handler) message(typ MessageType, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}
}

// ObserveCycle implements sync.Recorder.
func (h *Handler) ObserveCycle(entity string, outcome jsync.Outcome, d time.Duration) {
	h.mu.Lock()
	data := h.totals
	h.mu.Unlock()

	data.Entity = entity
	data.Outcome = string(outcome)
	data.DurationMS = float64(d) / float64(time.Millisecond)
	h.server.Broadcast(h.message(MessageTypeCycle, data))
}

// AddUploaded implements sync.Recorder.
func (h *Handler) AddUploaded(_ string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totals.Uploaded += n
}

// AddUploadFailed implements sync.Recorder.
func (h *Handler) AddUploadFailed(_ string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totals.UploadFailed += n
}

// AddDownloaded implements sync.Recorder.
func (h *Handler) AddDownloaded(_ string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totals.Downloaded += n
}
