package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/queue"
)

// Session is the data of a login or refresh reply.
type Session struct {
	Token        string          `json:"token"`
	AccessToken  string          `json:"accessToken,omitempty"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	User         json.RawMessage `json:"user,omitempty"`
}

func (s *Session) accessToken() string {
	if s.Token != "" {
		return s.Token
	}
	return s.AccessToken
}

// Login exchanges credentials for a session and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (*Envelope[Session], error) {
	r := &Request{
		Method:    http.MethodPost,
		Path:      c.opts.LoginPath,
		Body:      map[string]string{"email": email, "password": password},
		anonymous: true,
	}
	raw, err := c.sendRaw(ctx, r)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope[Session](raw)
	if err != nil {
		return nil, err
	}
	tok := env.Data.accessToken()
	if tok == "" {
		return nil, apierr.New(apierr.KindServer, "login reply carried no token").WithCode("INVALID_RESPONSE")
	}
	if err := c.creds.SetSession(tok, env.Data.RefreshToken, env.Data.User); err != nil {
		return nil, apierr.Wrap(apierr.KindServer, "store session", err)
	}
	c.log.Info("signed in")
	return env, nil
}

// Logout tells the server (best-effort) and clears the local session.
func (c *Client) Logout(ctx context.Context) error {
	if c.creds.Snapshot().Authenticated() {
		r := &Request{Method: http.MethodPost, Path: c.opts.LogoutPath, Priority: queue.PriorityHigh}
		if _, err := c.execute(ctx, r); err != nil {
			c.log.Info("logout request failed", "err", err)
		}
	}
	if err := c.creds.Clear(); err != nil {
		return apierr.Wrap(apierr.KindServer, "clear session", err)
	}
	return nil
}

// RefreshSession trades the refresh token for a new access token. Concurrent
// callers share a single refresh request.
func (c *Client) RefreshSession(ctx context.Context) error {
	// Detached so one caller giving up does not fail everyone waiting on it.
	shared := context.WithoutCancel(ctx)
	_, err, joined := c.refresh.Do("refresh", func() (any, error) {
		return nil, c.doRefresh(shared)
	})
	if joined {
		c.log.Debug("joined in-flight token refresh")
	}
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	snap := c.creds.Snapshot()
	if snap.RefreshToken == "" {
		return apierr.New(apierr.KindAuth, "no refresh token").WithCode(apierr.CodeUnauthorized)
	}
	r := &Request{
		Method:    http.MethodPost,
		Path:      c.opts.RefreshPath,
		Body:      map[string]string{"refreshToken": snap.RefreshToken},
		Priority:  queue.PriorityHigh,
		anonymous: true,
	}
	raw, err := c.sendRaw(ctx, r)
	if err != nil {
		return err
	}
	env, err := decodeEnvelope[Session](raw)
	if err != nil {
		return err
	}
	tok := env.Data.accessToken()
	if tok == "" {
		return apierr.New(apierr.KindAuth, "refresh reply carried no token").WithCode(apierr.CodeUnauthorized)
	}
	if err := c.creds.SetTokens(tok, env.Data.RefreshToken); err != nil {
		return apierr.Wrap(apierr.KindServer, "store tokens", err)
	}
	c.log.Debug("token refreshed")
	return nil
}

// refreshIfExpired refreshes ahead of time when the stored JWT has expired.
// It reports whether a refresh was attempted, so the 401 path does not try again.
func (c *Client) refreshIfExpired(ctx context.Context) bool {
	snap := c.creds.Snapshot()
	if snap.RefreshToken == "" || !auth.TokenExpired(snap.Token, c.now(), c.opts.RefreshSkew) {
		return false
	}
	if err := c.RefreshSession(ctx); err != nil {
		c.log.Info("proactive token refresh failed", "err", err)
	}
	return true
}
