// Package stream broadcasts watch events to WebSocket clients.
//
// Build tools and editors that cannot embed the watcher connect to /ws
// and receive each event, and a summary of each cycle, as JSON text
// messages. The server is a watchman.Sink, so it subscribes to the bus
// like any other consumer.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of stream message
type MessageType string

const (
	// MessageTypeHello is sent once to each new client
	MessageTypeHello MessageType = "hello"

	// MessageTypeEvent carries one create/modify/delete/overflow event
	MessageTypeEvent MessageType = "watch_event"

	// MessageTypeCycle summarizes a finished query cycle
	MessageTypeCycle MessageType = "cycle"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventData is the payload of a watch_event message.
type EventData struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// CycleData is the payload of a cycle message.
type CycleData struct {
	Clock         string `json:"clock,omitempty"`
	FreshInstance bool   `json:"fresh_instance"`
	Overflowed    bool   `json:"overflowed"`
	EventCount    int    `json:"event_count"`
	Error         string `json:"error,omitempty"`
}

const (
	// DefaultPort is used when NewServer gets no config.
	DefaultPort = 8765

	queueSize    = 256
	writeTimeout = 5 * time.Second
)

// Server streams watch events to WebSocket clients.
//
// Frames are queued by Post, PostCycle and Broadcast and written to every
// client by a single fanout goroutine. When the queue is full the frame
// is dropped and clients are sent an overflow event, so a consumer never
// silently holds an incomplete change set.
type Server struct {
	addr   string
	ln     net.Listener
	http   *http.Server
	logger *log.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	queue   chan Message
	lost    chan struct{}
	dropped atomic.Uint64

	ctx  context.Context
	stop context.CancelFunc
	done sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Port to listen on; 0 picks a free port
	Port int

	// Host to bind (default: all interfaces)
	Host string

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// NewServer returns a stopped server. Call Start to listen.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{Port: DefaultPort}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
		queue:  make(chan Message, queueSize),
		lost:   make(chan struct{}, 1),
		ctx:    ctx,
		stop:   stop,
	}
}

// Start listens on the configured address and serves /ws and /health
// until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveClient)
	mux.HandleFunc("/health", s.serveHealth)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.done.Add(2)
	go s.fanout()
	go func() {
		defer s.done.Done()
		s.logger.Printf("Streaming on ws://%s/ws", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client, shuts the listener down and waits for
// the fanout goroutine.
func (s *Server) Stop() error {
	s.stop()

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down stream server: %w", err)
		}
	}
	s.done.Wait()
	s.logger.Printf("Stream server stopped (%d frames dropped)", s.Dropped())
	return nil
}

// serveClient upgrades the request, greets the client and keeps reading
// until it goes away. Clients never send anything meaningful; reading
// only notices the close.
func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	if err := s.write(conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Printf("Client %s connected (%d connected)", r.RemoteAddr, n)

	go func() {
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				s.disconnect(conn)
				return
			}
		}
	}()
}

// disconnect forgets conn and closes it. Safe to call more than once.
func (s *Server) disconnect(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	n := len(s.conns)
	s.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (%d connected)", n)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"dropped": s.Dropped(),
	})
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Dropped returns how many frames were discarded because the queue was
// full.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}
