package remote

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// Op names a server route for failure injection and request counting.
type Op string

const (
	OpList   Op = "list"
	OpSync   Op = "sync"
	OpDelete Op = "delete"
)

// MemoryServer is an in-memory implementation of the entries API. It backs
// `jot dev-remote` and the sync tests.
//
// Conflicting uploads are resolved by last write wins on updatedAt. Deleted
// records are kept as tombstones so other clients learn about the delete.
type MemoryServer struct {
	mu       sync.Mutex
	records  map[string]schema.Entry
	failures map[Op]int
	requests map[Op]int
	logger   *log.Logger
	now      func() time.Time
}

// alwaysFail marks an op as failing until cleared.
const alwaysFail = -1

// NewMemoryServer creates an empty server. If logger is nil, a default
// logger writing to stderr is used.
func NewMemoryServer(logger *log.Logger) *MemoryServer {
	if logger == nil {
		logger = log.New(os.Stderr, "[dev-remote] ", log.LstdFlags)
	}
	return &MemoryServer{
		records:  make(map[string]schema.Entry),
		failures: make(map[Op]int),
		requests: make(map[Op]int),
		logger:   logger,
		now:      time.Now,
	}
}

// Handler returns the HTTP routes.
func (s *MemoryServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /"+schema.Entity, s.handleList)
	mux.HandleFunc("POST /"+schema.Entity+"/sync", s.handleSync)
	mux.HandleFunc("DELETE /"+schema.Entity+"/{id}", s.handleDelete)
	return mux
}

// Seed stores records as if another client had uploaded them.
func (s *MemoryServer) Seed(records ...schema.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.SyncState = schema.SyncSynced
		s.records[r.ID] = r
	}
}

// Records returns every stored record, tombstones included, oldest first.
func (s *MemoryServer) Records() []schema.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Record returns the stored record with id.
func (s *MemoryServer) Record(id string) (schema.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// FailNext makes the next n requests to op fail with 503.
func (s *MemoryServer) FailNext(op Op, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// SetFailing makes every request to op fail until called with false.
func (s *MemoryServer) SetFailing(op Op, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failing {
		s.failures[op] = alwaysFail
	} else {
		delete(s.failures, op)
	}
}

// Requests returns how many requests op has received.
func (s *MemoryServer) Requests(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// begin counts the request and reports whether it should fail.
func (s *MemoryServer) begin(op Op) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[op]++
	switch n := s.failures[op]; {
	case n == alwaysFail:
		return true
	case n > 0:
		s.failures[op] = n - 1
		return true
	}
	return false
}

func (s *MemoryServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *MemoryServer) handleList(w http.ResponseWriter, r *http.Request) {
	if s.begin(OpList) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.Records())
}

func (s *MemoryServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.begin(OpSync) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	var batch []schema.Entry
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			http.Error(w, fmt.Sprintf("record %d: %v", i, err), http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	accepted := 0
	for _, rec := range batch {
		if existing, ok := s.records[rec.ID]; ok && rec.UpdatedAt.Before(existing.UpdatedAt) {
			continue
		}
		rec.SyncState = schema.SyncSynced
		s.records[rec.ID] = rec
		accepted++
	}
	s.mu.Unlock()

	s.logger.Printf("sync: received %d record(s), accepted %d", len(batch), accepted)
	writeJSON(w, http.StatusOK, map[string]int{"received": len(batch), "accepted": accepted})
}

func (s *MemoryServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.begin(OpDelete) {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok && rec.DeletedAt == nil {
		now := s.now().UTC()
		rec.DeletedAt = &now
		rec.UpdatedAt = now
		s.records[id] = rec
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Printf("delete: %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *MemoryServer) sortedLocked() []schema.Entry {
	out := make([]schema.Entry, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
