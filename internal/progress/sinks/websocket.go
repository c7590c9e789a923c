package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/progress"
)

const defaultWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// WebSocketSink pushes every event to connected observers as JSON messages.
// It doubles as the http.Handler observers connect through.
type WebSocketSink struct {
	logger       *zap.Logger
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient
	closed  bool
}

// NewWebSocketSink constructs an empty broadcaster.
func NewWebSocketSink(logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*websocket.Conn]*wsClient),
	}
}

// ServeHTTP upgrades the request and keeps the observer registered until it
// disconnects. Incoming messages are ignored; commands go through the API.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[conn] = &wsClient{conn: conn}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("observer connected", zap.String("remote", r.RemoteAddr), zap.Int("observers", count))

	defer s.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Observers reports how many observers are connected.
func (s *WebSocketSink) Observers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Consume writes each event to every observer; observers that fail a write
// are disconnected.
func (s *WebSocketSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	if len(clients) == 0 {
		return nil
	}
	for _, evt := range batch {
		data, err := json.Marshal(evt.Message())
		if err != nil {
			return fmt.Errorf("marshal progress message: %w", err)
		}
		for _, c := range clients {
			if err := c.write(data, s.writeTimeout); err != nil {
				s.logger.Debug("dropping observer", zap.Error(err))
				s.remove(c.conn)
			}
		}
	}
	return nil
}

// Close disconnects every observer.
func (s *WebSocketSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.clients = make(map[*websocket.Conn]*wsClient)
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return nil
}

func (s *WebSocketSink) remove(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}
