package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

var connIDCounter atomic.Uint64

// Conn is one client connection held by the hub. Writes are serialised by
// wmu; everything else about the connection is guarded by mu.
type Conn struct {
	ws     *websocket.Conn
	server *Server
	log    *slog.Logger
	id     string
	done   chan struct{}

	wmu sync.Mutex

	mu     sync.Mutex
	userID int
	closed bool
}

func newConn(wsc *websocket.Conn, server *Server) *Conn {
	id := "c" + strconv.FormatUint(connIDCounter.Add(1), 10)
	return &Conn{
		ws:     wsc,
		server: server,
		log:    server.log.With("conn", id),
		id:     id,
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) setUser(userID int) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the user the handshake authenticated, 0 before that.
func (c *Conn) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// SendAck answers the request frame with the given id.
func SendAck(c *Conn, id int64, data any) {
	c.send(&id, "", data)
}

// SendEvent pushes an event to this connection.
func SendEvent(c *Conn, event string, data any) {
	c.send(nil, event, data)
}

func (c *Conn) send(id *int64, event string, data any) {
	msg, err := encodeFrame(id, event, data)
	if err != nil {
		c.log.Error("ws encode frame", "event", event, "err", err)
		return
	}
	c.write(msg)
}

// encodeFrame renders one Frame. data that is already JSON is used verbatim.
func encodeFrame(id *int64, event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %q data: %w", event, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Frame{ID: id, Event: event, Data: raw})
}

// write sends one encoded frame. A failed write drops the connection, so a
// stalled peer cannot hold up broadcasts for longer than writeTimeout.
func (c *Conn) write(msg []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		c.log.Debug("ws write", "err", err)
		c.Close()
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readPump decodes frames and hands them to the hub in arrival order. It
// returns when the peer goes away or ctx ends.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.server.remove(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, msg, err := c.ws.Read(ctx)
		if err != nil {
			c.log.Debug("ws read", "err", err)
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn("ws bad frame", "err", err)
			SendEvent(c, EventError, ErrorPayload{Msg: "malformed frame", Code: "BAD_FRAME"})
			continue
		}
		c.server.dispatch(c, &f)
	}
}

// Close shuts down the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.ws.Close(websocket.StatusGoingAway, "")
}
