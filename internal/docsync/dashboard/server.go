// Package dashboard provides a real-time WebSocket server for sync monitoring.
//
// The dashboard broadcasts drain results, conflicts, failed dispatches,
// connectivity changes and cache statistics to connected WebSocket clients.
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
	"time"

	"github.com/coder/websocket"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeDrainComplete carries the report of a finished drain
	MessageTypeDrainComplete MessageType = "drain_complete"

	// MessageTypeConflict indicates a document moved to conflict
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeItemFailed indicates a queue item failed to dispatch
	MessageTypeItemFailed MessageType = "item_failed"

	// MessageTypeConnectivity indicates the remote went online or offline
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeStats carries current cache statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsSource reports cache statistics.
type StatsSource interface {
	Stats(ctx context.Context) (*schema.Stats, error)
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// Sources wired in by the daemon
	stats   StatsSource
	trigger func()

	// Connected clients, guarded by clientsMu
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Outgoing events and coalesced stats requests
	broadcast chan Message
	statsReq  chan struct{}

	// Cancelled by Stop; wg tracks the serve and broadcast goroutines
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Stats backs the stats message and the /stats endpoint. Optional.
	Stats StatsSource

	// Trigger is called by POST /drain. Optional.
	Trigger func()

	// Logger for server activity (default: stderr with [dashboard] prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		stats:     config.Stats,
		trigger:   config.Trigger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		statsReq:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start listens on the configured port and serves in the background. It
// returns once the listener is bound, so GetAddr reports the real port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	// Serve until Stop shuts the server down
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// routes maps the dashboard endpoints
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /drain", s.handleDrain)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// SetStats replaces the stats source. Call it before Start.
func (s *Server) SetStats(stats StatsSource) {
	s.stats = stats
}

// Stop closes every client, shuts the HTTP server down and waits for the
// background goroutines. Messages still queued are dropped.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	// Ends broadcastLoop and every readLoop
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	// Start may never have run
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients. It never blocks: when
// the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// RequestStats schedules a stats broadcast. Requests made while one is
// pending are merged.
func (s *Server) RequestStats() {
	if s.stats == nil {
		return
	}
	select {
	case s.statsReq <- struct{}{}:
	default:
	}
}

// broadcastLoop is the only writer to clients. It runs until Stop.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-s.statsReq:
			// Stats follow the events that were queued before them.
			s.flush()
			msg, err := s.statsMessage()
			if err != nil {
				s.logger.Printf("Failed to load stats: %v", err)
				continue
			}
			s.send(msg)

		case msg := <-s.broadcast:
			s.send(msg)
		}
	}
}

// flush sends every message already queued without waiting for more
func (s *Server) flush() {
	for {
		select {
		case msg := <-s.broadcast:
			s.send(msg)
		default:
			return
		}
	}
}

// send writes msg to every client, dropping clients whose write fails
func (s *Server) send(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}

	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	// Write outside the lock so a slow client does not block registration.
	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()

		if err != nil {
			s.logger.Printf("Failed to send to client: %v", err)
			s.removeClient(conn)
		}
	}
}

// loadStats reads the stats source; without one the stats are empty
func (s *Server) loadStats() (*schema.Stats, error) {
	if s.stats == nil {
		return &schema.Stats{}, nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.stats.Stats(ctx)
}

// statsMessage wraps the current stats in a stats message
func (s *Server) statsMessage() (Message, error) {
	stats, err := s.loadStats()
	if err != nil {
		return Message{}, err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal stats: %w", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}, nil
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// New clients start from a stats snapshot.
	welcome, err := s.statsMessage()
	if err != nil {
		s.logger.Printf("Failed to load stats: %v", err)
		welcome = Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop detects client disconnects; client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient unregisters and closes conn. send and readLoop can both call
// it for the same client; only the first one closes.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// writeJSON writes v as the response body with status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness and the client count
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStats returns the current cache statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.loadStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDrain schedules a drain through the daemon's trigger
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "drain not available"})
		return
	}
	s.trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// handleRoot serves a short index of the endpoints
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>docsync dashboard</title>
</head>
<body>
    <h1>docsync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Cache statistics: <a href="/stats">/stats</a></p>
    <p>Request a drain with <code>POST /drain</code>.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
