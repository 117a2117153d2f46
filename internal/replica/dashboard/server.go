// Package dashboard provides a real-time WebSocket view of the flag store.
//
// The dashboard broadcasts flag changes, sync results and clock boundary ticks
// to connected clients, and accepts flag edits from them. Edits go through one
// debounced binder per field, so a client typing into a field produces one
// write per settled burst and is never overwritten by a stale echo.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSnapshot is sent to a client on connect with every cached flag.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeFlagUpdate indicates the resolved value of one flag changed.
	MessageTypeFlagUpdate MessageType = "flag_update"

	// MessageTypeSyncComplete indicates a snapshot was ingested.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeClockTick indicates a minute, hour or day boundary passed.
	MessageTypeClockTick MessageType = "clock_tick"

	// MessageTypeStats carries dashboard statistics.
	MessageTypeStats MessageType = "stats"

	// MessageTypeEdit is sent by clients to change a flag value.
	MessageTypeEdit MessageType = "edit"

	// MessageTypeEditResult answers an edit to the client that sent it.
	MessageTypeEditResult MessageType = "edit_result"
)

// Message represents a dashboard message in either direction.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// FlagData describes the resolved state of one flag.
type FlagData struct {
	EntityID  string          `json:"entity_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	Default   bool            `json:"default"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`
}

// SnapshotData is the welcome message payload.
type SnapshotData struct {
	ClientID string     `json:"client_id"`
	Flags    []FlagData `json:"flags"`
}

// SyncCompleteData summarizes one ingest.
type SyncCompleteData struct {
	Rows    int `json:"rows"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Changed int `json:"changed"`
}

// ClockTickData reports a bucket boundary.
type ClockTickData struct {
	Granularity string    `json:"granularity"`
	Now         time.Time `json:"now"`
}

// StatsData contains dashboard statistics.
type StatsData struct {
	Flags        int `json:"flags"`
	Clients      int `json:"clients"`
	Syncs        int `json:"syncs"`
	Changes      int `json:"changes"`
	Skipped      int `json:"skipped"`
	Edits        int `json:"edits"`
	EditsInvalid int `json:"edits_invalid"`
	Binders      int `json:"binders"`
}

// EditData is the payload of a client edit.
type EditData struct {
	EntityID string          `json:"entity_id"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

// EditResultData answers an edit.
type EditResultData struct {
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	broadcast chan Message

	// Set by Handler.
	onConnect func(clientID string) (Message, bool)
	onEdit    func(clientID string, edit EditData) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Logger for server activity (default: slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port: 8080,
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "dashboard"),
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("dashboard server stopped")
	return nil
}

// Broadcast queues a message for every connected client.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	if err := s.write(conn, data); err != nil {
		s.logger.Debug("failed to send to client", "error", err)
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}

	s.clientsMu.Lock()
	s.clients[conn] = c
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("client connected", "client", c.id, "total", clientCount)

	welcome := Message{Type: MessageTypeSnapshot}
	if s.onConnect != nil {
		if m, ok := s.onConnect(c.id); ok {
			welcome = m
		}
	} else {
		welcome.Data, _ = json.Marshal(SnapshotData{ClientID: c.id, Flags: []FlagData{}})
	}
	s.send(conn, welcome)

	go s.readLoop(c)
}

// readLoop handles client edits until the connection closes.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c.conn)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed client message", "client", c.id, "error", err)
			continue
		}
		if msg.Type != MessageTypeEdit {
			continue
		}

		var edit EditData
		result := EditResultData{Accepted: true}
		if err := json.Unmarshal(msg.Data, &edit); err != nil {
			result.Accepted = false
			result.Error = fmt.Sprintf("malformed edit: %v", err)
		} else {
			result.EntityID, result.Key = edit.EntityID, edit.Key
			if s.onEdit == nil {
				result.Accepted = false
				result.Error = "edits are not enabled"
			} else if err := s.onEdit(c.id, edit); err != nil {
				result.Accepted = false
				result.Error = err.Error()
			}
		}

		payload, _ := json.Marshal(result)
		s.send(c.conn, Message{Type: MessageTypeEditResult, Data: payload})
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	c, exists := s.clients[conn]
	if !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "client", c.id, "total", clientCount)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Habits Dashboard</title>
</head>
<body>
    <h1>Habits Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive flag updates and send edits.</p>
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
