package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

type fixture struct {
	hub *ws.Server
	url string

	mu       sync.Mutex
	received []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.hub = ws.NewServer(func(token string) (int, error) {
		switch token {
		case "good-token", "fresh-token":
			return 1, nil
		}
		return 0, errors.New("unknown token")
	}, "1.4.0", discardLogger())

	f.hub.Handle("chat:message", func(c *ws.Conn, fr *ws.Frame) {
		var s string
		json.Unmarshal(fr.Data, &s)
		f.mu.Lock()
		f.received = append(f.received, s)
		f.mu.Unlock()
	})
	f.hub.Handle("echo", func(c *ws.Conn, fr *ws.Frame) {
		if fr.ID != nil {
			ws.SendAck(c, *fr.ID, fr.Data)
		}
	})
	f.hub.Handle("silent", func(c *ws.Conn, fr *ws.Frame) {})

	mux := http.NewServeMux()
	mux.Handle("/ws", f.hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return f
}

func (f *fixture) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.received)
}

func (f *fixture) channel(t *testing.T, mutate func(*Options)) *Channel {
	t.Helper()
	opts := Options{
		URL:               f.url,
		Logger:            discardLogger(),
		ReconnectAttempts: 5,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectDelayMax: 100 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
		AckTimeout:        time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentConnectOpensOneSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = ch.Connect(context.Background(), "good-token")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Connect #%d: %v", i, err)
		}
	}
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Errorf("Connect when connected: %v", err)
	}
	if n := f.hub.AcceptedCount(); n != 1 {
		t.Errorf("websockets opened = %d, want 1", n)
	}
	st := ch.State()
	if !st.Connected || st.Connecting || st.ServerVersion != "1.4.0" {
		t.Errorf("state = %+v", st)
	}
}

func TestConnectRejectedHandshake(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	var mu sync.Mutex
	var hookErrs []error
	ch.OnError(func(err error) {
		mu.Lock()
		hookErrs = append(hookErrs, err)
		mu.Unlock()
	})

	err := ch.Connect(context.Background(), "stolen-token")
	if !errors.Is(err, apierr.ErrHandshake) {
		t.Fatalf("err = %v, want handshake error", err)
	}
	st := ch.State()
	if st.Connected || st.Connecting || st.LastError == nil {
		t.Errorf("state = %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hookErrs) != 1 || apierr.KindOf(hookErrs[0]) != apierr.KindHandshake {
		t.Errorf("error hook got %v", hookErrs)
	}
}

func TestConnectTokenSource(t *testing.T) {
	t.Parallel()

	t.Run("no token anywhere", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ch := f.channel(t, nil)
		if err := ch.Connect(context.Background(), ""); apierr.KindOf(err) != apierr.KindHandshake {
			t.Errorf("err = %v", err)
		}
		if n := f.hub.AcceptedCount(); n != 0 {
			t.Errorf("dialed %d times without a token", n)
		}
	})

	t.Run("credential store", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		creds := auth.NewMemoryStore()
		creds.SetSession("good-token", "", nil)
		ch := f.channel(t, func(o *Options) { o.Credentials = creds })
		if err := ch.Connect(context.Background(), ""); err != nil {
			t.Fatal(err)
		}
	})
}

func TestServerVersionConstraint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ch := f.channel(t, func(o *Options) { o.ServerVersion = ">= 2.0.0" })
	if err := ch.Connect(context.Background(), "good-token"); apierr.KindOf(err) != apierr.KindHandshake {
		t.Errorf("err = %v, want handshake error", err)
	}

	ok := f.channel(t, func(o *Options) { o.ServerVersion = "^1.2" })
	if err := ok.Connect(context.Background(), "good-token"); err != nil {
		t.Errorf("^1.2 against 1.4.0: %v", err)
	}

	if _, err := New(Options{URL: f.url, ServerVersion: "not a constraint"}); err == nil {
		t.Error("expected invalid constraint error")
	}
}

func TestOutboxFlushedInOrderOnConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	for _, m := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if err := ch.Emit("chat:message", m); err != nil {
			t.Fatal(err)
		}
	}
	if n := ch.Pending(); n != 5 {
		t.Fatalf("pending = %d, want 5", n)
	}
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	if err := ch.Emit("chat:message", "m6"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "6 messages", func() bool { return len(f.messages()) == 6 })
	want := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	if got := f.messages(); !slices.Equal(got, want) {
		t.Errorf("server got %v, want %v", got, want)
	}
	if ch.Pending() != 0 {
		t.Errorf("pending = %d after flush", ch.Pending())
	}
}

func TestEmissionsDuringOutageFlushedFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, func(o *Options) {
		o.ReconnectDelay = 200 * time.Millisecond
		o.ReconnectDelayMax = 400 * time.Millisecond
	})
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}

	f.hub.DisconnectAll()
	waitFor(t, "disconnect", func() bool { return !ch.State().Connected })

	for _, m := range []string{"a", "b", "c"} {
		ch.Emit("chat:message", m)
	}
	waitFor(t, "reconnect", func() bool { return ch.State().Connected })
	ch.Emit("chat:message", "d")

	waitFor(t, "4 messages", func() bool { return len(f.messages()) == 4 })
	if got := f.messages(); !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("server got %v", got)
	}
	if n := f.hub.AcceptedCount(); n != 2 {
		t.Errorf("websockets opened = %d, want 2", n)
	}
}

func TestListenersSurviveReconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	var mu sync.Mutex
	var got []string
	ch.On("news", func(data json.RawMessage) {
		var s string
		json.Unmarshal(data, &s)
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	count := func() int { mu.Lock(); defer mu.Unlock(); return len(got) }

	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	f.hub.Broadcast("news", "before")
	waitFor(t, "first event", func() bool { return count() == 1 })

	f.hub.DisconnectAll()
	waitFor(t, "automatic reconnect", func() bool {
		return f.hub.AcceptedCount() == 2 && ch.State().Connected && f.hub.ConnectionCount() == 1
	})

	f.hub.Broadcast("news", "after")
	waitFor(t, "second event", func() bool { return count() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, []string{"before", "after"}) {
		t.Errorf("got %v", got)
	}
}

func TestReconnectUsesCurrentToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	creds := auth.NewMemoryStore()
	creds.SetSession("good-token", "", nil)
	ch := f.channel(t, func(o *Options) { o.Credentials = creds })

	if err := ch.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	// The old token stops working; the store holds a refreshed one.
	creds.SetTokens("fresh-token", "")
	f.hub.DisconnectAll()
	waitFor(t, "reconnect", func() bool { return f.hub.AcceptedCount() == 2 && ch.State().Connected })
}

func TestReconnectGivesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	creds := auth.NewMemoryStore()
	creds.SetSession("good-token", "", nil)
	ch := f.channel(t, func(o *Options) {
		o.Credentials = creds
		o.ReconnectAttempts = 2
		o.ReconnectDelay = 10 * time.Millisecond
		o.ReconnectDelayMax = 10 * time.Millisecond
	})

	var mu sync.Mutex
	var attempts []int
	ch.OnStateChange(func(s State) {
		mu.Lock()
		attempts = append(attempts, s.ReconnectAttempts)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	creds.SetTokens("revoked", "")
	f.hub.DisconnectAll()

	// Initial connect plus two rejected attempts.
	waitFor(t, "give up", func() bool { return f.hub.AcceptedCount() == 3 })
	time.Sleep(100 * time.Millisecond)
	if n := f.hub.AcceptedCount(); n != 3 {
		t.Errorf("websockets opened = %d, want 3", n)
	}
	st := ch.State()
	if st.Connected || st.MaxReconnectAttempts != 2 || st.ReconnectAttempts != 2 {
		t.Errorf("state = %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(attempts, 1) || !slices.Contains(attempts, 2) {
		t.Errorf("published attempts = %v", attempts)
	}
}

func TestEmitWithAck(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	if _, err := ch.EmitWithAck(context.Background(), "echo", 1, 0); apierr.KindOf(err) != apierr.KindNetwork {
		t.Errorf("disconnected err = %v, want network error", err)
	}

	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}

	data, err := ch.EmitWithAck(context.Background(), "echo", map[string]int{"x": 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"x":1}` {
		t.Errorf("ack = %s", data)
	}

	_, err = ch.EmitWithAck(context.Background(), "nope", nil, 0)
	if apierr.KindOf(err) != apierr.KindValidation || !strings.Contains(err.Error(), "unknown event") {
		t.Errorf("rejected ack err = %v", err)
	}
}

func TestEmitWithAckTimesOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := ch.EmitWithAck(context.Background(), "silent", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, apierr.ErrAckTimeout) {
		t.Fatalf("err = %v, want ack timeout", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Errorf("elapsed = %v, want about 50ms", elapsed)
	}
}

func TestPendingAckFailsOnDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, func(o *Options) { o.ReconnectAttempts = 0 })
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ch.EmitWithAck(context.Background(), "silent", nil, 5*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	f.hub.DisconnectAll()

	select {
	case err := <-done:
		if apierr.KindOf(err) != apierr.KindNetwork {
			t.Errorf("err = %v, want network error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack not failed by disconnect")
	}
}

func TestDisconnectStopsReconnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}

	ch.Disconnect()
	time.Sleep(100 * time.Millisecond)
	if n := f.hub.AcceptedCount(); n != 1 {
		t.Errorf("websockets opened = %d, want 1", n)
	}
	waitFor(t, "server side close", func() bool { return f.hub.ConnectionCount() == 0 })

	// Emissions after Disconnect wait for the next Connect.
	ch.Emit("chat:message", "later")
	if ch.Pending() != 1 {
		t.Errorf("pending = %d", ch.Pending())
	}
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "flushed", func() bool { return slices.Equal(f.messages(), []string{"later"}) })
}

func TestOffRemovesListeners(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(json.RawMessage) {
		return func(json.RawMessage) { mu.Lock(); calls = append(calls, name); mu.Unlock() }
	}
	l1 := ch.On("news", record("l1"))
	ch.On("news", record("l2"))
	marker := make(chan struct{}, 3)
	ch.On("marker", func(json.RawMessage) { marker <- struct{}{} })

	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	settle := func() {
		f.hub.Broadcast("marker", nil)
		select {
		case <-marker:
		case <-time.After(2 * time.Second):
			t.Fatal("marker not delivered")
		}
	}

	f.hub.Broadcast("news", 1)
	settle()
	ch.Off("news", l1)
	f.hub.Broadcast("news", 2)
	settle()
	ch.Off("news", nil)
	f.hub.Broadcast("news", 3)
	settle()

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"l1", "l2", "l2"}; !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestOutboxDropsOldest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, func(o *Options) { o.OutboxLimit = 2 })

	for _, m := range []string{"1", "2", "3"} {
		ch.Emit("chat:message", m)
	}
	if ch.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", ch.Pending())
	}
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "flush", func() bool { return len(f.messages()) == 2 })
	if got := f.messages(); !slices.Equal(got, []string{"2", "3"}) {
		t.Errorf("server got %v", got)
	}
}

func TestServerErrorPushReachesErrorHooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	errs := make(chan error, 1)
	ch.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	ch.Emit("no-such-event", nil)

	select {
	case err := <-errs:
		if apierr.KindOf(err) != apierr.KindServer {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
}

func TestTypedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	got := make(chan Notification, 1)
	Subscribe(ch, NotificationNew, func(n Notification) { got <- n })
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}

	f.hub.Broadcast(NotificationNew.Name, Notification{ID: 3, Type: "evenement", Message: "Nouveau festival à Timgad"})
	select {
	case n := <-got:
		if n.ID != 3 || n.Message != "Nouveau festival à Timgad" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	echo := NewEvent[TypingEvent]("echo")
	back, err := Request[TypingEvent, TypingEvent](context.Background(), ch, echo, TypingEvent{UserID: 1, ConversationID: "c9", Typing: true}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if back.ConversationID != "c9" || !back.Typing {
		t.Errorf("echo = %+v", back)
	}

	if err := Publish(ch, NewEvent[string]("chat:message"), "typed"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "typed publish", func() bool { return slices.Equal(f.messages(), []string{"typed"}) })
}

func TestStateChangesArePublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, nil)

	var mu sync.Mutex
	var seen []State
	ch.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	ch.Disconnect()

	waitFor(t, "three snapshots", func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) >= 3 })
	mu.Lock()
	defer mu.Unlock()
	if !seen[0].Connecting || !seen[1].Connected || seen[2].Connected {
		t.Errorf("snapshots = %+v", seen)
	}
}

func TestPingRefreshesLastActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch := f.channel(t, func(o *Options) { o.PingInterval = 20 * time.Millisecond })

	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	first := ch.State().LastActivity
	waitFor(t, "keepalive", func() bool {
		return ch.State().LastActivity.After(first)
	})
	if !ch.State().Connected {
		t.Error("channel dropped while pinging")
	}
}

func TestReconnectSurvivesDropsRightAfterHandshake(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Connections 2 to 4 are closed as soon as their handshake is acked.
	var accepted atomic.Int64
	f.hub.HandleConnect(func(c *ws.Conn) {
		if n := accepted.Add(1); n >= 2 && n <= 4 {
			c.Close()
		}
	})
	ch := f.channel(t, func(o *Options) { o.ReconnectAttempts = 10 })

	if err := ch.Connect(context.Background(), "good-token"); err != nil {
		t.Fatal(err)
	}
	f.hub.DisconnectAll()

	waitFor(t, "stable reconnection", func() bool {
		return accepted.Load() >= 5 && ch.State().Connected
	})
	waitFor(t, "reconnect loop to finish", func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return !ch.reconnectOn
	})
	if _, err := ch.EmitWithAck(context.Background(), "echo", "still here", 0); err != nil {
		t.Errorf("emit after reconnection: %v", err)
	}
}
