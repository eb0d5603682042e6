// Package testutil wires a fully working client stack for end-to-end tests:
// a mock API server, a bbolt credential store in a temp dir, an API client
// and a realtime channel pointed at the mock.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	bolt "go.etcd.io/bbolt"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/api"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/db"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/mockapi"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

// Accounts from the built-in fixtures.
const (
	AdminEmail    = "admin@heritage.dz"
	AdminPassword = "admin123"
	UserEmail     = "amina@heritage.dz"
	UserPassword  = "amina123"
)

var msgIDCounter int64

// TestEnv holds the wired stack.
type TestEnv struct {
	Mock    *mockapi.Server
	Server  *httptest.Server
	BaseURL string
	WSURL   string
	DataDir string
	DB      *bolt.DB
	Creds   *auth.Store
	Client  *api.Client
	Channel *realtime.Channel
	Notices *NoticeLog
	Nav     *NavLog
}

// Option adjusts one layer of the stack before it is built.
type Option func(*settings)

type settings struct {
	mock    func(*mockapi.Options)
	client  func(*api.Options)
	channel func(*realtime.Options)
}

func WithMock(fn func(*mockapi.Options)) Option {
	return func(s *settings) { s.mock = fn }
}

func WithClient(fn func(*api.Options)) Option {
	return func(s *settings) { s.client = fn }
}

func WithChannel(fn func(*realtime.Options)) Option {
	return func(s *settings) { s.channel = fn }
}

// Logger discards everything unless -v is set.
func Logger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup builds the stack with test-friendly timings.
func Setup(t testing.TB, opts ...Option) *TestEnv {
	t.Helper()
	var st settings
	for _, o := range opts {
		o(&st)
	}
	logger := Logger()

	mockOpts := mockapi.Options{Logger: logger}
	if st.mock != nil {
		st.mock(&mockOpts)
	}
	mock, err := mockapi.New(mockOpts)
	if err != nil {
		t.Fatal("start mock api:", err)
	}
	server := httptest.NewServer(mock.Handler())

	dataDir := t.TempDir()
	database, err := db.Open(dataDir)
	if err != nil {
		server.Close()
		t.Fatal(err)
	}
	creds, err := auth.NewStore(database)
	if err != nil {
		server.Close()
		database.Close()
		t.Fatal(err)
	}

	env := &TestEnv{
		Mock:    mock,
		Server:  server,
		BaseURL: server.URL + "/api",
		WSURL:   "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		DataDir: dataDir,
		DB:      database,
		Creds:   creds,
		Notices: &NoticeLog{},
		Nav:     &NavLog{},
	}

	clientOpts := api.Options{
		BaseURL:        env.BaseURL,
		Credentials:    creds,
		Notifier:       env.Notices,
		Navigator:      env.Nav,
		Logger:         logger,
		MinDelay:       time.Millisecond,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
	if st.client != nil {
		st.client(&clientOpts)
	}
	client, err := api.New(clientOpts)
	if err != nil {
		t.Fatal("new client:", err)
	}
	env.Client = client

	chOpts := realtime.Options{
		URL:               env.WSURL,
		Credentials:       creds,
		Logger:            logger,
		ReconnectAttempts: 5,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectDelayMax: 100 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
		AckTimeout:        time.Second,
	}
	if st.channel != nil {
		st.channel(&chOpts)
	}
	channel, err := realtime.New(chOpts)
	if err != nil {
		t.Fatal("new channel:", err)
	}
	env.Channel = channel

	t.Cleanup(func() {
		channel.Close()
		client.Close()
		mock.Hub().DisconnectAll()
		server.Close()
		database.Close()
	})
	return env
}

// Login signs the client in.
func (e *TestEnv) Login(t testing.TB, email, password string) {
	t.Helper()
	if _, err := e.Client.Login(context.Background(), email, password); err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
}

// LoginAdmin signs the client in as the fixture administrator.
func (e *TestEnv) LoginAdmin(t testing.TB) {
	t.Helper()
	e.Login(t, AdminEmail, AdminPassword)
}

// Connect opens the realtime channel with the stored token.
func (e *TestEnv) Connect(t testing.TB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Channel.Connect(ctx, ""); err != nil {
		t.Fatal("connect realtime:", err)
	}
}

// DialWS opens a bare WebSocket connection to the mock hub, for tests that
// speak the wire protocol directly.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.WSURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

// SendAndReceive sends a request frame and returns the data of its ack.
// Pushes that arrive first are skipped.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, data any) json.RawMessage {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)
	e.write(t, conn, ws.Frame{ID: &id, Event: event, Data: marshal(t, data)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}
		var f ws.Frame
		if err := json.Unmarshal(respData, &f); err != nil {
			t.Fatal("unmarshal response:", err)
		}
		if f.IsAck() && *f.ID == id {
			return f.Data
		}
	}
}

// SendEvent sends a push frame without waiting for anything.
func (e *TestEnv) SendEvent(t testing.TB, conn *websocket.Conn, event string, data any) {
	t.Helper()
	e.write(t, conn, ws.Frame{Event: event, Data: marshal(t, data)})
}

func (e *TestEnv) write(t testing.TB, conn *websocket.Conn, f ws.Frame) {
	t.Helper()
	msg, err := json.Marshal(f)
	if err != nil {
		t.Fatal("marshal frame:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatal("write:", err)
	}
}

func marshal(t testing.TB, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal("marshal:", err)
	}
	return raw
}

// NoticeLog records notices raised by the client.
type NoticeLog struct {
	mu      sync.Mutex
	notices []api.Notice
}

func (l *NoticeLog) Notify(n api.Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

// Kinds returns the kinds recorded so far, in order.
func (l *NoticeLog) Kinds() []api.NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.NoticeKind, len(l.notices))
	for i, n := range l.notices {
		out[i] = n.Kind
	}
	return out
}

// NavLog plays the host router: it reports a fixed current path and records
// sign-in redirects.
type NavLog struct {
	mu        sync.Mutex
	path      string
	redirects []string
}

func (n *NavLog) SetPath(p string) {
	n.mu.Lock()
	n.path = p
	n.mu.Unlock()
}

func (n *NavLog) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *NavLog) RedirectToSignIn(target string) {
	n.mu.Lock()
	n.redirects = append(n.redirects, target)
	n.mu.Unlock()
}

// Redirects returns the sign-in targets recorded so far.
func (n *NavLog) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}
