// Package ws is the realtime wire protocol and the server-side hub that
// speaks it. The hub backs the mock API server and the realtime tests.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// HandlerFunc processes a frame from an authenticated connection. Handlers run
// on the connection's read goroutine, so frames of one connection are handled
// in order; they must not block.
type HandlerFunc func(c *Conn, f *Frame)

// Authenticator resolves a handshake token to a user id.
type Authenticator func(token string) (userID int, err error)

// Server manages connections and message dispatch.
type Server struct {
	log     *slog.Logger
	auth    Authenticator
	version string

	accepted atomic.Int64

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers     map[string]HandlerFunc
	connectFn    func(c *Conn) // called after a successful handshake
	disconnectFn func(c *Conn) // called when a connection is removed
}

// NewServer creates a hub. version is reported in the handshake ack.
func NewServer(auth Authenticator, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:      logger.With("component", "ws"),
		auth:     auth,
		version:  version,
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a named event.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a callback that fires after a handshake succeeds.
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.connectFn = fn
}

// OnDisconnect registers a callback that fires when a connection is removed.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dev server; the client is not a browser.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error("ws accept", "err", err)
		return
	}

	s.accepted.Add(1)
	c := newConn(wsc, s)
	s.add(c)
	s.log.Debug("ws connected", "conn", c.ID(), "remote", r.RemoteAddr)

	// Block on the read pump; this goroutine is owned by net/http.
	c.readPump(r.Context())
}

// Broadcast pushes an event to every authenticated connection. The payload is
// marshalled once.
func (s *Server) Broadcast(event string, data any) {
	s.broadcast(event, data, func(*Conn) bool { return true })
}

// SendToUser pushes an event to every connection of userID.
func (s *Server) SendToUser(userID int, event string, data any) {
	s.broadcast(event, data, func(c *Conn) bool { return c.UserID() == userID })
}

// BroadcastExcept pushes an event to every authenticated connection but skip.
func (s *Server) BroadcastExcept(skip *Conn, event string, data any) {
	s.broadcast(event, data, func(c *Conn) bool { return c != skip })
}

func (s *Server) broadcast(event string, data any, match func(*Conn) bool) {
	msg, err := encodeFrame(nil, event, data)
	if err != nil {
		s.log.Error("ws marshal broadcast", "event", event, "err", err)
		return
	}

	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.UserID() != 0 && match(c) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.write(msg)
	}
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// AcceptedCount returns how many websocket upgrades the hub has accepted.
func (s *Server) AcceptedCount() int64 {
	return s.accepted.Load()
}

// OnlineUsers returns the distinct authenticated user ids.
func (s *Server) OnlineUsers() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]struct{})
	var out []int
	for c := range s.conns {
		if id := c.UserID(); id != 0 {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// DisconnectAll closes every connection. Clients see a dropped transport.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	all := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		all = append(all, c)
	}
	s.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()

	if ok && s.disconnectFn != nil {
		s.disconnectFn(c)
	}
	s.log.Debug("ws disconnected", "conn", c.ID(), "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, f *Frame) {
	if f.IsAck() {
		// Client acks to server requests are not used by the hub.
		return
	}
	if f.Event == EventHandshake {
		s.handshake(c, f)
		return
	}
	if c.UserID() == 0 {
		s.reject(c, f, "not authenticated")
		return
	}

	h, ok := s.handlers[f.Event]
	if !ok {
		s.log.Warn("ws unknown event", "event", f.Event)
		s.reject(c, f, "unknown event: "+f.Event)
		return
	}
	h(c, f)
}

func (s *Server) reject(c *Conn, f *Frame, msg string) {
	if f.ID != nil {
		SendAck(c, *f.ID, OkResponse{OK: false, Msg: msg})
		return
	}
	SendEvent(c, EventError, ErrorPayload{Msg: msg})
}

func (s *Server) handshake(c *Conn, f *Frame) {
	var req HandshakeRequest
	if err := json.Unmarshal(f.Data, &req); err != nil || req.Token == "" {
		s.reject(c, f, "token required")
		return
	}
	userID, err := s.auth(req.Token)
	if err != nil {
		s.log.Info("ws handshake rejected", "conn", c.ID(), "err", err)
		s.reject(c, f, "invalid token")
		return
	}
	c.setUser(userID)
	if f.ID != nil {
		SendAck(c, *f.ID, OkResponse{OK: true, Version: s.version})
	}
	if s.connectFn != nil {
		s.connectFn(c)
	}
}
