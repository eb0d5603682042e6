// Package realtime keeps one authenticated websocket to the server and offers
// publish/subscribe on top of it. Subscriptions live in the channel, not in the
// transport, so they survive reconnects. Emissions made while offline are
// queued and flushed in order once the connection is back.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/coder/websocket"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MB
)

// Options configures a Channel.
type Options struct {
	URL         string      // ws:// or wss://
	Credentials *auth.Store // token source for Connect("") and for reconnects
	Logger      *slog.Logger

	ReconnectAttempts int // 0 disables automatic reconnection
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	HandshakeTimeout  time.Duration
	AckTimeout        time.Duration // EmitWithAck default
	PingInterval      time.Duration // 0 disables keepalive pings
	ServerVersion     string        // semver constraint on the handshake version, optional
	OutboxLimit       int
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = max(5*time.Second, o.ReconnectDelay)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.OutboxLimit <= 0 {
		o.OutboxLimit = 1000
	}
}

// Listener is the handle returned by On.
type Listener struct {
	event string
	fn    func(json.RawMessage)
}

type hook[T any] struct{ fn func(T) }

type outMsg struct {
	event string
	data  json.RawMessage
}

type ackResult struct {
	data json.RawMessage
	err  error
}

type connectCall struct {
	gen  uint64
	done chan struct{}
	err  error
}

// Channel is safe for concurrent use.
type Channel struct {
	opts       Options
	log        *slog.Logger
	constraint *semver.Constraints
	closeCh    chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	gen         uint64 // bumped by Disconnect; stale handshakes are discarded
	stopLoops   context.CancelFunc
	connecting  *connectCall
	state       State
	outbox      []outMsg
	pending     map[int64]chan ackResult
	nextID      int64
	token       string
	manual      bool // Disconnect was called; no automatic reconnection
	reconnectOn  bool   // a reconnect loop is running
	reconnectGen uint64 // identifies the current reconnect loop
	closed      bool

	lmu       sync.RWMutex
	listeners map[string][]*Listener
	errHooks  []*hook[error]
	stHooks   []*hook[State]

	feed *stateFeed
}

// New creates a disconnected channel.
func New(opts Options) (*Channel, error) {
	opts.setDefaults()
	c := &Channel{
		opts:      opts,
		log:       opts.Logger.With("component", "realtime"),
		closeCh:   make(chan struct{}),
		pending:   make(map[int64]chan ackResult),
		listeners: make(map[string][]*Listener),
	}
	c.feed = newStateFeed(c.deliverState)
	c.state.MaxReconnectAttempts = opts.ReconnectAttempts
	if opts.ServerVersion != "" {
		cons, err := semver.NewConstraint(opts.ServerVersion)
		if err != nil {
			return nil, fmt.Errorf("server version constraint: %w", err)
		}
		c.constraint = cons
	}
	return c, nil
}

// State returns a snapshot of the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection and performs the handshake. It is idempotent:
// it returns nil at once when connected, and concurrent callers share one
// in-flight handshake. An empty token falls back to the credential store.
func (c *Channel) Connect(ctx context.Context, token string) error {
	call, err := c.startConnect(token)
	if err != nil || call == nil {
		return err
	}
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return apierr.Wrap(apierr.KindNetwork, "connect abandoned", ctx.Err()).WithCode(apierr.CodeNetwork)
	}
}

// startConnect returns the in-flight call, a new one, or nil when connected.
func (c *Channel) startConnect(token string) (*connectCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, apierr.New(apierr.KindNetwork, "channel closed").WithCode(apierr.CodeNotConnected)
	}
	if c.state.Connected {
		return nil, nil
	}
	if c.connecting != nil {
		return c.connecting, nil
	}
	if token == "" {
		token = c.storedToken()
	}
	if token == "" {
		return nil, apierr.New(apierr.KindHandshake, "no auth token for realtime handshake")
	}

	c.manual = false
	c.token = token
	call := &connectCall{gen: c.gen, done: make(chan struct{})}
	c.connecting = call
	c.state.Connecting = true
	c.publishStateLocked()

	go func() {
		call.err = c.establish(call, token)
		close(call.done)
	}()
	return call, nil
}

// storedToken prefers the credential store so a refreshed token is used.
func (c *Channel) storedToken() string {
	if c.opts.Credentials != nil {
		if t := c.opts.Credentials.Snapshot().Token; t != "" {
			return t
		}
	}
	return c.token
}

func (c *Channel) establish(call *connectCall, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()

	conn, version, err := c.dialAndHandshake(ctx, token)
	if err != nil {
		c.mu.Lock()
		if c.connecting == call {
			c.connecting = nil
			c.state.Connecting = false
			c.state.LastError = err
			c.publishStateLocked()
		}
		c.mu.Unlock()
		c.emitError(err)
		return err
	}

	loopCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed || c.gen != call.gen {
		if c.connecting == call {
			c.connecting = nil
		}
		c.mu.Unlock()
		stop()
		conn.Close(websocket.StatusNormalClosure, "")
		return apierr.New(apierr.KindNetwork, "disconnected while connecting").WithCode(apierr.CodeNotConnected)
	}
	c.conn = conn
	c.stopLoops = stop
	c.state.ServerVersion = version
	c.state.LastActivity = time.Now()
	c.mu.Unlock()

	go c.readLoop(loopCtx, conn)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(loopCtx, conn)
	}

	if err := c.flush(call, conn); err != nil {
		c.mu.Lock()
		if c.connecting == call {
			c.connecting = nil
		}
		c.mu.Unlock()
		c.lost(conn, err)
		return err
	}
	c.log.Info("realtime connected", "url", c.opts.URL, "server_version", version)
	return nil
}

func (c *Channel) dialAndHandshake(ctx context.Context, token string) (*websocket.Conn, string, error) {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, "", transportError("dial realtime", err)
	}
	conn.SetReadLimit(maxMessageSize)

	id := c.newID()
	req, _ := json.Marshal(ws.HandshakeRequest{Token: token})
	if err := writeFrame(ctx, conn, ws.Frame{ID: &id, Event: ws.EventHandshake, Data: req}); err != nil {
		conn.CloseNow()
		return nil, "", transportError("send handshake", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()
			return nil, "", apierr.Wrap(apierr.KindHandshake, "no handshake reply", err)
		}
		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if !f.IsAck() || *f.ID != id {
			// Pushes can race the ack; deliver them.
			if f.Event != "" {
				c.dispatch(f.Event, f.Data)
			}
			continue
		}

		var ack ws.OkResponse
		if err := json.Unmarshal(f.Data, &ack); err != nil || !ack.OK {
			msg := ack.Msg
			if msg == "" {
				msg = "handshake rejected"
			}
			conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
			return nil, "", apierr.New(apierr.KindHandshake, msg)
		}
		if err := c.checkVersion(ack.Version); err != nil {
			conn.Close(websocket.StatusPolicyViolation, "unsupported server version")
			return nil, "", err
		}
		return conn, ack.Version, nil
	}
}

func (c *Channel) checkVersion(version string) error {
	if c.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return apierr.Wrap(apierr.KindHandshake, fmt.Sprintf("server version %q", version), err)
	}
	if !c.constraint.Check(v) {
		return apierr.New(apierr.KindHandshake, fmt.Sprintf("server version %s does not satisfy %s", v, c.opts.ServerVersion))
	}
	return nil
}

// flush drains the outbox in order, then marks the channel connected. The
// emptiness check and the state change happen under one lock, so an Emit
// racing the flush is either queued behind it or sent after it.
func (c *Channel) flush(call *connectCall, conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return apierr.New(apierr.KindNetwork, "connection lost during flush").WithCode(apierr.CodeNetwork)
		}
		if len(c.outbox) == 0 {
			if c.connecting == call {
				c.connecting = nil
			}
			c.state.Connected = true
			c.state.Connecting = false
			c.state.LastError = nil
			c.state.ReconnectAttempts = 0
			// A loop that produced this connection is done; a drop from here
			// on must be free to start a new one.
			c.reconnectOn = false
			c.publishStateLocked()
			c.mu.Unlock()
			return nil
		}
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for i, m := range batch {
			if err := c.write(conn, ws.Frame{Event: m.event, Data: m.data}); err != nil {
				c.mu.Lock()
				c.outbox = append(batch[i:len(batch):len(batch)], c.outbox...)
				c.mu.Unlock()
				return err
			}
		}
		c.log.Debug("outbox flushed", "count", len(batch))
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.lost(conn, transportError("connection lost", err))
			return
		}
		c.touch()

		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("realtime unmarshal", "err", err)
			continue
		}
		switch {
		case f.IsAck():
			c.resolveAck(*f.ID, f.Data)
		case f.Event == ws.EventError:
			var p ws.ErrorPayload
			_ = json.Unmarshal(f.Data, &p)
			c.emitError(apierr.New(apierr.KindServer, p.Msg).WithCode(p.Code))
			c.dispatch(f.Event, f.Data)
		case f.Event != "":
			c.dispatch(f.Event, f.Data)
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.lost(conn, transportError("keepalive ping", err))
				}
				return
			}
			c.touch()
		}
	}
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.state.LastActivity = time.Now()
	c.mu.Unlock()
}

// lost handles a dropped transport. Only the first report for conn counts.
func (c *Channel) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopLoops()
	c.stopLoops = nil
	c.state.Connected = false
	c.state.Connecting = false
	c.state.LastError = err
	pending := c.takePendingLocked()
	startLoop := !c.manual && !c.closed && !c.reconnectOn && c.opts.ReconnectAttempts > 0
	var loopGen uint64
	if startLoop {
		c.reconnectOn = true
		c.reconnectGen++
		loopGen = c.reconnectGen
	}
	c.publishStateLocked()
	c.mu.Unlock()

	conn.CloseNow()
	failAcks(pending, err)
	c.log.Warn("realtime disconnected", "err", err)
	c.emitError(err)

	if startLoop {
		go c.reconnectLoop(loopGen)
	}
}

// reconnectLoop retries with a doubling, capped delay. Each attempt re-reads
// the token so the handshake carries the current credentials.
func (c *Channel) reconnectLoop(gen uint64) {
	defer func() {
		c.mu.Lock()
		if c.reconnectGen == gen {
			c.reconnectOn = false
		}
		c.mu.Unlock()
	}()

	delay := c.opts.ReconnectDelay
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.closeCh:
			timer.Stop()
			return
		}

		c.mu.Lock()
		if c.manual || c.closed || c.state.Connected || c.reconnectGen != gen {
			c.mu.Unlock()
			return
		}
		c.state.ReconnectAttempts = attempt
		token := c.storedToken()
		c.mu.Unlock()

		c.log.Info("realtime reconnecting", "attempt", attempt, "max", c.opts.ReconnectAttempts)
		call, err := c.startConnect(token)
		if err == nil && call != nil {
			<-call.done
			err = call.err
		}
		if err == nil {
			return
		}
		delay = min(delay*2, c.opts.ReconnectDelayMax)
	}

	c.log.Warn("realtime gave up reconnecting", "attempts", c.opts.ReconnectAttempts)
}

// Disconnect closes the transport and stops reconnection. Listeners and
// queued emissions are kept for the next Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	c.connecting = nil
	conn := c.conn
	c.conn = nil
	if c.stopLoops != nil {
		c.stopLoops()
		c.stopLoops = nil
	}
	wasUp := c.state.Connected || c.state.Connecting
	c.state.Connected = false
	c.state.Connecting = false
	c.state.ReconnectAttempts = 0
	pending := c.takePendingLocked()
	if wasUp {
		c.publishStateLocked()
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	failAcks(pending, apierr.New(apierr.KindNetwork, "disconnected").WithCode(apierr.CodeNotConnected))
}

// Close disconnects and drops every listener and hook. The channel cannot be
// reused.
func (c *Channel) Close() {
	c.Disconnect()
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	c.outbox = nil
	c.mu.Unlock()

	c.lmu.Lock()
	c.listeners = make(map[string][]*Listener)
	c.errHooks = nil
	c.stHooks = nil
	c.lmu.Unlock()
	c.feed.close()
}

// On registers fn for event. Listeners of one event run in registration order
// on the read goroutine and must not block.
func (c *Channel) On(event string, fn func(data json.RawMessage)) *Listener {
	l := &Listener{event: event, fn: fn}
	c.lmu.Lock()
	c.listeners[event] = append(c.listeners[event], l)
	c.lmu.Unlock()
	return l
}

// Off removes l from event, or every listener of event when l is nil.
func (c *Channel) Off(event string, l *Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	if l == nil {
		delete(c.listeners, event)
		return
	}
	ls := c.listeners[event]
	for i, x := range ls {
		if x == l {
			c.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(c.listeners[event]) == 0 {
		delete(c.listeners, event)
	}
}

// OnError registers fn for transport and server errors. The returned func
// unregisters it.
func (c *Channel) OnError(fn func(error)) func() {
	h := &hook[error]{fn: fn}
	c.lmu.Lock()
	c.errHooks = append(c.errHooks, h)
	c.lmu.Unlock()
	return func() { c.lmu.Lock(); c.errHooks = without(c.errHooks, h); c.lmu.Unlock() }
}

// OnStateChange registers fn for state snapshots. The returned func
// unregisters it.
func (c *Channel) OnStateChange(fn func(State)) func() {
	h := &hook[State]{fn: fn}
	c.lmu.Lock()
	c.stHooks = append(c.stHooks, h)
	c.lmu.Unlock()
	return func() { c.lmu.Lock(); c.stHooks = without(c.stHooks, h); c.lmu.Unlock() }
}

func without[T any](hs []*hook[T], h *hook[T]) []*hook[T] {
	out := make([]*hook[T], 0, len(hs))
	for _, x := range hs {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.lmu.RLock()
	ls := append([]*Listener(nil), c.listeners[event]...)
	c.lmu.RUnlock()
	for _, l := range ls {
		l.fn(data)
	}
}

func (c *Channel) emitError(err error) {
	c.lmu.RLock()
	hs := append([]*hook[error](nil), c.errHooks...)
	c.lmu.RUnlock()
	for _, h := range hs {
		h.fn(err)
	}
}

// publishStateLocked queues a snapshot for the state hooks. Called with c.mu
// held; delivery happens in order on the feed goroutine, so hooks may call
// back into the channel.
func (c *Channel) publishStateLocked() {
	c.feed.push(c.state)
}

func (c *Channel) deliverState(s State) {
	c.lmu.RLock()
	hs := append([]*hook[State](nil), c.stHooks...)
	c.lmu.RUnlock()
	for _, h := range hs {
		h.fn(s)
	}
}

// Emit sends event now when connected, otherwise queues it. Queued emissions
// are flushed in order before the channel reports connected again.
func (c *Channel) Emit(event string, data any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apierr.New(apierr.KindNetwork, "channel closed").WithCode(apierr.CodeNotConnected)
	}
	conn := c.conn
	if !c.state.Connected || conn == nil {
		c.enqueueLocked(outMsg{event: event, data: raw})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(conn, ws.Frame{Event: event, Data: raw}); err != nil {
		c.mu.Lock()
		c.enqueueLocked(outMsg{event: event, data: raw})
		c.mu.Unlock()
		c.lost(conn, err)
	}
	return nil
}

func (c *Channel) enqueueLocked(m outMsg) {
	if len(c.outbox) >= c.opts.OutboxLimit {
		dropped := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.log.Warn("outbox full, dropping oldest", "event", dropped.event, "limit", c.opts.OutboxLimit)
	}
	c.outbox = append(c.outbox, m)
}

// Pending returns how many emissions wait for a connection.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// EmitWithAck sends event and waits for the server's ack. It fails at once
// when not connected. timeout <= 0 uses Options.AckTimeout.
func (c *Channel) EmitWithAck(ctx context.Context, event string, data any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := encode(data)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.AckTimeout
	}

	c.mu.Lock()
	conn := c.conn
	if !c.state.Connected || conn == nil {
		c.mu.Unlock()
		return nil, apierr.New(apierr.KindNetwork, "realtime channel not connected").WithCode(apierr.CodeNotConnected)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, ws.Frame{ID: &id, Event: event, Data: raw}); err != nil {
		c.dropPending(id)
		c.lost(conn, err)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		c.dropPending(id)
		return nil, apierr.New(apierr.KindAckTimeout, fmt.Sprintf("no ack for %q within %v", event, timeout))
	case <-ctx.Done():
		c.dropPending(id)
		return nil, transportError("ack wait", ctx.Err())
	}
}

func (c *Channel) newID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Channel) resolveAck(id int64, data json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	var status struct {
		OK  *bool  `json:"ok"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(data, &status) == nil && status.OK != nil && !*status.OK {
		ch <- ackResult{data: data, err: apierr.New(apierr.KindValidation, status.Msg)}
		return
	}
	ch <- ackResult{data: data}
}

func (c *Channel) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) takePendingLocked() map[int64]chan ackResult {
	p := c.pending
	c.pending = make(map[int64]chan ackResult)
	return p
}

func failAcks(pending map[int64]chan ackResult, err error) {
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (c *Channel) write(conn *websocket.Conn, f ws.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := writeFrame(ctx, conn, f); err != nil {
		return transportError("write", err)
	}
	return nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f ws.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "encode event data", err)
	}
	return raw, nil
}

func transportError(op string, err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindTimeout, op, err).WithCode(apierr.CodeTimeout)
	}
	return apierr.Wrap(apierr.KindNetwork, op, err).WithCode(apierr.CodeNetwork)
}
