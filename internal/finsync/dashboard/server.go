// Package dashboard serves a live view of sync activity over WebSocket.
//
// The dashboard mirrors events from the sync engine and the job processor to
// connected clients, along with queue and job statistics.
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
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeEvent carries one events.Event.
	MessageTypeEvent MessageType = "event"

	// MessageTypeStats carries a StatsData snapshot.
	MessageTypeStats MessageType = "stats"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientBuffer is how many messages may wait for one slow client before it
// is disconnected.
const clientBuffer = 32

// client is one WebSocket subscriber with its own outbox.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server manages WebSocket connections and broadcasts dashboard messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	// stats produces the snapshot sent to newly connected clients and
	// served at /stats. It may be nil.
	stats func(ctx context.Context) (*StatsData, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// Host to bind (default: 127.0.0.1).
	Host string

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port: 8787,
		Host: "127.0.0.1",
	}
}

// NewServer creates a new dashboard WebSocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(host, fmt.Sprint(config.Port)),
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// SetStatsSource installs the function used for /stats and the snapshot sent
// to each new client. Call before Start.
func (s *Server) SetStatsSource(fn func(ctx context.Context) (*StatsData, error)) {
	s.stats = fn
}

// Handler returns the HTTP routes of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins the HTTP server and the broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
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
	s.logger.Println("Dashboard stopped")
	return nil
}

// Broadcast queues msg for every connected client. It drops the message
// when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastJSON wraps v as a message of type typ and broadcasts it.
func (s *Server) BroadcastJSON(typ MessageType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", typ, err)
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
	return nil
}

// broadcastLoop encodes each message once and hands it to every client's
// outbox. A client whose outbox is full is disconnected.
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
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			var slow []*client
			s.clientsMu.RLock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			s.clientsMu.RUnlock()

			for _, c := range slow {
				s.logger.Println("Client too slow, disconnecting")
				s.removeClient(c, websocket.StatusPolicyViolation, "too slow")
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	// The first message is always a stats snapshot.
	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.stats != nil {
		if st, err := s.stats(r.Context()); err != nil {
			s.logger.Printf("Failed to collect stats: %v", err)
		} else if data, err := json.Marshal(st); err == nil {
			welcome.Data = data
		}
	}
	welcomeData, _ := json.Marshal(welcome)
	c.send <- welcomeData

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", n)

	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop drains the client's outbox until it is closed.
func (s *Server) writeLoop(c *client) {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.removeClient(c, websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// readLoop discards client messages until the connection closes.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			s.removeClient(c, websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (s *Server) removeClient(c *client, code websocket.StatusCode, reason string) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()

	_ = c.conn.Close(code, reason)
	s.logger.Printf("Client disconnected (total: %d)", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	st, err := s.stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>finsync dashboard</title>
</head>
<body>
    <h1>finsync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Statistics: <a href="/stats">/stats</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
