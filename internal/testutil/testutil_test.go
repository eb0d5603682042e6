package testutil

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/api"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	t.Parallel()
	e := Setup(t)
	e.Login(t, UserEmail, UserPassword)

	// A second store over the same database sees the persisted session.
	reopened, err := auth.NewStore(e.DB)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Snapshot().Token != e.Creds.Snapshot().Token {
		t.Fatal("token not persisted")
	}

	c, err := api.New(api.Options{BaseURL: e.BaseURL, Credentials: reopened, Logger: Logger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	env, err := api.Get[map[string]any](context.Background(), c, "/users/profile")
	if err != nil {
		t.Fatal(err)
	}
	if env.Data["email"] != UserEmail {
		t.Errorf("profile = %v", env.Data)
	}
}

func TestSessionExpiryRedirects(t *testing.T) {
	t.Parallel()
	e := Setup(t)
	e.Login(t, UserEmail, UserPassword)
	e.Nav.SetPath("/admin/oeuvres")

	// Burn both tokens behind the client's back.
	snap := e.Creds.Snapshot()
	e.Mock.Users().Revoke(snap.Token)
	if _, _, err := e.Mock.Users().Rotate(snap.RefreshToken); err != nil {
		t.Fatal(err)
	}

	_, err := api.Get[json.RawMessage](context.Background(), e.Client, "/users/profile")
	if apierr.KindOf(err) != apierr.KindAuth {
		t.Fatalf("err = %v, want auth", err)
	}
	if e.Creds.Snapshot().Authenticated() {
		t.Error("credentials not cleared")
	}
	if got := e.Nav.Redirects(); !slices.Equal(got, []string{"/auth?redirect=%2Fadmin%2Foeuvres"}) {
		t.Errorf("redirects = %v", got)
	}
	if !slices.Contains(e.Notices.Kinds(), api.NoticeSessionExpired) {
		t.Errorf("notices = %v", e.Notices.Kinds())
	}
	back, err := e.Creds.TakeReturnTo()
	if err != nil || back != "/admin/oeuvres" {
		t.Errorf("return path = %q, %v", back, err)
	}
}

func TestRevokedTokenIsRefreshedOnce(t *testing.T) {
	t.Parallel()
	e := Setup(t)
	e.Login(t, UserEmail, UserPassword)
	before := e.Creds.Snapshot()
	e.Mock.Users().Revoke(before.Token)

	env, err := api.Get[map[string]any](context.Background(), e.Client, "/users/profile")
	if err != nil {
		t.Fatal(err)
	}
	if env.Data["email"] != UserEmail {
		t.Errorf("profile = %v", env.Data)
	}
	if e.Creds.Snapshot().Token == before.Token {
		t.Error("token not replaced")
	}
	if len(e.Nav.Redirects()) != 0 {
		t.Errorf("unexpected redirect %v", e.Nav.Redirects())
	}
}

func TestRateLimitNotice(t *testing.T) {
	t.Parallel()
	e := Setup(t)
	ctx := context.Background()

	e.Mock.SetRateLimit(rate.Every(time.Hour), 1)
	if _, err := api.Get[json.RawMessage](ctx, e.Client, "/lieux"); err != nil {
		t.Fatal(err)
	}
	if _, err := api.Get[json.RawMessage](ctx, e.Client, "/lieux"); apierr.KindOf(err) != apierr.KindRateLimited {
		t.Fatalf("err = %v", err)
	}
	if got := e.Notices.Kinds(); !slices.Equal(got, []api.NoticeKind{api.NoticeRateLimited}) {
		t.Errorf("notices = %v", got)
	}
}

func TestRealtimeReconnectsWithRotatedToken(t *testing.T) {
	t.Parallel()
	e := Setup(t)
	e.LoginAdmin(t)
	e.Connect(t)

	got := make(chan realtime.Notification, 1)
	realtime.Subscribe(e.Channel, realtime.NotificationNew, func(n realtime.Notification) { got <- n })

	old := e.Creds.Snapshot().Token
	if err := e.Client.RefreshSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.Mock.Users().Revoke(old)
	e.Mock.Hub().DisconnectAll()

	waitUntil(t, "reconnect", func() bool {
		return e.Mock.Hub().AcceptedCount() >= 2 && slices.Contains(e.Mock.Hub().OnlineUsers(), 1)
	})
	if st := e.Channel.State(); !st.Connected || st.ServerVersion != "1.4.0" {
		t.Errorf("state = %+v", st)
	}

	e.Mock.Notify(1, realtime.Notification{Message: "Bienvenue"})
	select {
	case n := <-got:
		if n.Message != "Bienvenue" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification not delivered after reconnect")
	}
}

func TestRawProtocol(t *testing.T) {
	t.Parallel()
	e := Setup(t)
	e.LoginAdmin(t)
	conn := e.DialWS(t)

	var hs ws.OkResponse
	json.Unmarshal(e.SendAndReceive(t, conn, ws.EventHandshake, ws.HandshakeRequest{Token: e.Creds.Snapshot().Token}), &hs)
	if !hs.OK || hs.Version != "1.4.0" {
		t.Fatalf("handshake = %+v", hs)
	}

	var pong ws.OkResponse
	json.Unmarshal(e.SendAndReceive(t, conn, "ping", nil), &pong)
	if !pong.OK || pong.Msg != "pong" {
		t.Errorf("ping = %+v", pong)
	}

	// Typing pushes are not acked; the next request still gets its own ack.
	e.SendEvent(t, conn, realtime.Typing.Name, realtime.TypingEvent{ConversationID: "c9", Typing: true})
	var echo string
	json.Unmarshal(e.SendAndReceive(t, conn, "echo", "salam"), &echo)
	if echo != "salam" {
		t.Errorf("echo = %q", echo)
	}
}
