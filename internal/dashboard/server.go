// Package dashboard serves live sync state over WebSocket.
//
// Connected clients receive a "state" message on connect and after every
// engine state change. The server also exposes /health, /api/state and,
// when configured, Prometheus metrics on /metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the kind of payload a Message carries.
type MessageType string

const (
	// MessageTypeState carries a full sync state snapshot.
	MessageTypeState MessageType = "state"

	// MessageTypeCycle reports the outcome of one sync cycle.
	MessageTypeCycle MessageType = "cycle"
)

// Message is the envelope of everything sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	// clientQueue is how many messages may wait for a slow client before it
	// is disconnected.
	clientQueue  = 16
	writeTimeout = 5 * time.Second
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:7070". Port 0 picks a free port.
	Addr string

	// Metrics is mounted on /metrics when set.
	Metrics http.Handler

	Logger *log.Logger
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{
		Addr:   "127.0.0.1:7070",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

type client struct {
	conn *websocket.Conn
	peer string
	send chan []byte
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr    string
	metrics http.Handler
	logger  *log.Logger

	ln   net.Listener
	http *http.Server

	// mu guards clients and orders register against Stop.
	mu      sync.Mutex
	clients map[*client]struct{}

	snapshot atomic.Pointer[func() Message]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    cfg.Addr,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetSnapshot sets the function producing the message new clients receive
// on connect and /api/state returns. nil clears it.
func (s *Server) SetSnapshot(fn func() Message) {
	if fn == nil {
		s.snapshot.Store(nil)
		return
	}
	s.snapshot.Store(&fn)
}

func (s *Server) currentSnapshot() (Message, bool) {
	fn := s.snapshot.Load()
	if fn == nil {
		return Message{}, false
	}
	return (*fn)(), true
}

// Routes returns the HTTP handler without starting a listener.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.http = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on http://%s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.cancel()
	for c := range s.clients {
		s.dropLocked(c)
	}
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client. Clients whose queue is
// full are disconnected.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Printf("Client %s is not keeping up, disconnecting", c.peer)
			s.dropLocked(c)
		}
	}
}

// dropLocked removes c and closes its queue, which ends its writer.
func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, peer: r.RemoteAddr, send: make(chan []byte, clientQueue)}
	if !s.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()

	status := s.pump(c)
	s.mu.Lock()
	s.dropLocked(c)
	remaining := len(s.clients)
	s.mu.Unlock()
	_ = conn.Close(status, "")
	s.logger.Printf("Client %s disconnected (total: %d)", c.peer, remaining)
}

// register adds c with the current snapshot already queued, so no
// broadcast can overtake it. It fails once Stop has begun.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if msg, ok := s.currentSnapshot(); ok {
		if data, err := json.Marshal(msg); err == nil {
			c.send <- data
		}
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.logger.Printf("Client %s connected (total: %d)", c.peer, len(s.clients))
	return true
}

// pump writes queued messages until the client leaves, the queue is
// closed or a write fails. It returns the close status to send.
func (s *Server) pump(c *client) websocket.StatusCode {
	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := c.conn.CloseRead(s.ctx)
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusGoingAway
		case data, ok := <-c.send:
			if !ok {
				return websocket.StatusGoingAway
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Write to %s failed: %v", c.peer, err)
				return websocket.StatusInternalError
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.currentSnapshot()
	if !ok {
		http.Error(w, "no state source", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

const indexPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>jot sync</title></head>
<body>
<h1>jot sync</h1>
<p><a href="/api/state">state</a> &middot; <a href="/metrics">metrics</a> &middot; <a href="/health">health</a></p>
<pre id="log"></pre>
<script>
const log = document.getElementById("log");
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  log.textContent = msg.timestamp + " " + msg.type + " " + JSON.stringify(msg.data) + "\n" + log.textContent;
};
ws.onclose = () => { log.textContent = "disconnected\n" + log.textContent; };
</script>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
