// Package monitor streams live command, response and telemetry records to
// browser clients over WebSocket.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"petoiwire/pkg/engine"
	"petoiwire/pkg/protocol"
)

const (
	OpHello  = "hello"
	OpRecord = "record"

	Subprotocol = "petoiwire.monitor.v1"
)

type Config struct {
	Addr    string
	Name    string
	SendBuf int
}

func DefaultConfig() Config {
	return Config{
		Addr:    "127.0.0.1:8765",
		Name:    "petoiwire",
		SendBuf: 256,
	}
}

type HelloMsg struct {
	Op   string `json:"op"`
	Name string `json:"name"`
}

type RecordMsg struct {
	Op      string `json:"op"`
	TS      string `json:"ts"`
	Kind    string `json:"kind"`
	Wire    string `json:"wire,omitempty"`
	Display string `json:"display,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	cfg     Config
	hub     *engine.Hub
	logger  *zap.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub, logger *zap.Logger) *Server {
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = defaults.SendBuf
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("monitor listening", zap.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeAll()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("monitor upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	if err := conn.WriteJSON(HelloMsg{Op: OpHello, Name: s.cfg.Name}); err != nil {
		c.close()
		return
	}
	s.addClient(c)

	go c.writeLoop()
	c.readLoop()

	c.close()
	s.removeClient(c)
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(rec)
		}
	}
}

func (s *Server) broadcast(rec protocol.Record) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg, err := json.Marshal(RecordMsg{
		Op:      OpRecord,
		TS:      ts.UTC().Format(time.RFC3339Nano),
		Kind:    string(rec.Kind),
		Wire:    rec.Wire,
		Display: rec.Display,
		Text:    rec.Text,
		Error:   rec.Err,
	})
	if err != nil {
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(msg)
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func (s *Server) closeAll() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
	}
}

// readLoop discards client input; it returns when the peer goes away.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
