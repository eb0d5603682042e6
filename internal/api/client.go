// Package api is the REST client. Every call goes through the request queue,
// carries the stored credentials, and comes back as an Envelope or an
// *apierr.Error.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/queue"
)

// HeaderRequestID is set on every outgoing request.
const HeaderRequestID = "X-Request-ID"

// Options configures a Client. Zero fields take the defaults noted.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client // http.DefaultClient's transport when nil

	Credentials *auth.Store // in-memory store when nil
	Notifier    Notifier    // logs when nil
	Navigator   Navigator   // logs when nil
	Logger      *slog.Logger

	MinDelay          time.Duration // queue.DefaultMinDelay
	SeparateReadLane  bool
	Timeout           time.Duration // 30s, per attempt
	RateLimitAttempts int           // 3
	BackoffInitial    time.Duration // 1s
	BackoffMax        time.Duration // 30s
	RefreshSkew       time.Duration // 30s

	LoginPath   string // /users/login
	LogoutPath  string // /users/logout
	RefreshPath string // /users/refresh-token
	SignInPath  string // /auth
	CSRFHeader  string // X-CSRF-Token
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Credentials == nil {
		o.Credentials = auth.NewMemoryStore()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Notifier == nil {
		o.Notifier = logNotifier{o.Logger}
	}
	if o.Navigator == nil {
		o.Navigator = logNavigator{o.Logger}
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RateLimitAttempts <= 0 {
		o.RateLimitAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.RefreshSkew <= 0 {
		o.RefreshSkew = 30 * time.Second
	}
	if o.LoginPath == "" {
		o.LoginPath = "/users/login"
	}
	if o.LogoutPath == "" {
		o.LogoutPath = "/users/logout"
	}
	if o.RefreshPath == "" {
		o.RefreshPath = "/users/refresh-token"
	}
	if o.SignInPath == "" {
		o.SignInPath = "/auth"
	}
	if o.CSRFHeader == "" {
		o.CSRFHeader = "X-CSRF-Token"
	}
}

// Client is safe for concurrent use.
type Client struct {
	opts     Options
	base     *url.URL
	http     *http.Client
	creds    *auth.Store
	log      *slog.Logger
	lane     *queue.Queue
	readLane *queue.Queue // nil unless Options.SeparateReadLane
	backoff  *backoff
	refresh  singleflight.Group
	now      func() time.Time
}

// New creates a Client and starts its queue worker(s). Call Close when done.
func New(opts Options) (*Client, error) {
	opts.setDefaults()
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", opts.BaseURL)
	}

	log := opts.Logger.With("component", "api")
	c := &Client{
		opts:    opts,
		base:    base,
		http:    opts.HTTPClient,
		creds:   opts.Credentials,
		log:     log,
		lane:    queue.New("api", opts.MinDelay, log),
		backoff: newBackoff(opts.BackoffInitial, opts.BackoffMax),
		now:     time.Now,
	}
	if opts.SeparateReadLane {
		c.readLane = queue.New("api-read", opts.MinDelay, log)
	}
	return c, nil
}

// Close stops the queue workers. Queued calls fail with a network error.
func (c *Client) Close() {
	c.lane.Close()
	if c.readLane != nil {
		c.readLane.Close()
	}
}

// Credentials returns the store the client reads and writes.
func (c *Client) Credentials() *auth.Store {
	return c.creds
}

// Request describes one API call.
type Request struct {
	Method   string
	Path     string // relative to the base URL; absolute URLs are used as-is
	Query    url.Values
	Body     any // JSON-encoded; []byte and json.RawMessage are sent verbatim
	Priority int // queue priority, lower first
	Timeout  time.Duration

	contentType string
	rawBody     []byte
	progress    *progress
	anonymous   bool // no bearer token, no 401 refresh
}

// response is a fully read reply.
type response struct {
	status int
	header http.Header
	body   []byte
	token  string // access token the request carried
}

// Do sends a JSON request and normalizes the reply.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Envelope[json.RawMessage], error) {
	return c.Send(ctx, Request{Method: method, Path: path, Body: body})
}

// Send runs r and normalizes the reply.
func (c *Client) Send(ctx context.Context, r Request) (*Envelope[json.RawMessage], error) {
	raw, err := c.sendRaw(ctx, &r)
	if err != nil {
		return nil, err
	}
	return &raw.Envelope, nil
}

func (c *Client) sendRaw(ctx context.Context, r *Request) (*rawEnvelope, error) {
	resp, err := c.execute(ctx, r)
	if err != nil {
		return nil, err
	}
	raw, err := normalize(resp.body)
	if err != nil {
		if e, ok := apierr.As(err); ok && e.Status == 0 {
			e.Status = resp.status
		}
		return nil, err
	}
	return raw, nil
}

func (c *Client) prepare(r *Request) error {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if r.rawBody != nil || r.Body == nil {
		return nil
	}
	switch b := r.Body.(type) {
	case []byte:
		r.rawBody = b
	case json.RawMessage:
		r.rawBody = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return apierr.Wrap(apierr.KindValidation, "encode request body", err)
		}
		r.rawBody = data
	}
	if r.contentType == "" {
		r.contentType = "application/json"
	}
	return nil
}

// execute is the retry loop around one request: 429 backoff, one refresh and
// replay on 401, classification of everything else.
func (c *Client) execute(ctx context.Context, r *Request) (*response, error) {
	if err := c.prepare(r); err != nil {
		return nil, err
	}
	target, err := c.resolve(r.Path, r.Query)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "invalid path", err)
	}
	key := r.Method + " " + target

	refreshed := false
	if !r.anonymous {
		refreshed = c.refreshIfExpired(ctx)
	}

	// limited counts 429 replies only; the 401 replay does not use up the
	// rate-limit budget.
	limited := 0
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, r, target, attempt > 1)
		if err != nil {
			return nil, err
		}

		if resp.status < 400 {
			if tok := resp.header.Get(c.opts.CSRFHeader); tok != "" {
				c.creds.SetCSRF(tok)
			}
			c.backoff.reset(key)
			return resp, nil
		}

		switch {
		case resp.status == http.StatusTooManyRequests:
			limited++
			if limited >= c.opts.RateLimitAttempts {
				c.notify(NoticeRateLimited, "Too many requests, please try again shortly.", resp.status, r.Path)
				return nil, errorFromResponse(resp.status, resp.body).WithCode(apierr.CodeRateLimited)
			}
			delay := c.backoff.next(key, resp.header.Get("Retry-After"), c.now())
			c.log.Warn("rate limited, backing off", "method", r.Method, "path", r.Path, "attempt", limited, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, transportError(err)
			}

		case resp.status == http.StatusUnauthorized && !r.anonymous:
			if refreshed {
				c.expireSession()
				return nil, errorFromResponse(resp.status, resp.body)
			}
			refreshed = true
			// Another caller may have refreshed while this request was in flight.
			if cur := c.creds.Snapshot().Token; cur != "" && cur != resp.token {
				continue
			}
			if err := c.RefreshSession(ctx); err != nil {
				c.log.Info("token refresh failed", "err", err)
				c.expireSession()
				return nil, apierr.Wrap(apierr.KindAuth, "session expired", err).
					WithStatus(http.StatusUnauthorized).WithCode(apierr.CodeUnauthorized)
			}

		default:
			e := errorFromResponse(resp.status, resp.body)
			switch {
			case resp.status == http.StatusForbidden:
				c.notify(NoticeAccessDenied, "You do not have access to this resource.", resp.status, r.Path)
			case resp.status >= 500:
				c.notify(NoticeServerError, "The server ran into a problem. Please try again later.", resp.status, r.Path)
			}
			return nil, e
		}
	}
}

// attempt runs one round trip through the queue. Retries go to the head.
func (c *Client) attempt(ctx context.Context, r *Request, target string, retry bool) (*response, error) {
	lane := c.lane
	if c.readLane != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		lane = c.readLane
	}

	var resp *response
	run := func(ctx context.Context) error {
		var err error
		resp, err = c.roundTrip(ctx, r, target)
		return err
	}

	var err error
	switch {
	case retry:
		err = lane.DoRetry(ctx, run)
	case r.Priority != 0:
		err = lane.DoPriority(ctx, r.Priority, run)
	default:
		err = lane.Do(ctx, run)
	}
	if err != nil {
		if _, ok := apierr.As(err); ok {
			return nil, err
		}
		return nil, transportError(err)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, r *Request, target string) (*response, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if r.rawBody != nil {
		body = bytes.NewReader(r.rawBody)
		if r.progress != nil {
			body = r.progress.reader(body, int64(len(r.rawBody)))
		}
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "build request", err)
	}
	if r.rawBody != nil {
		req.ContentLength = int64(len(r.rawBody))
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())

	snap := c.creds.Snapshot()
	if snap.Token != "" && !r.anonymous {
		req.Header.Set("Authorization", "Bearer "+snap.Token)
	}
	if snap.CSRFToken != "" {
		req.Header.Set(c.opts.CSRFHeader, snap.CSRFToken)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", "method", r.Method, "url", r.Path, "err", err)
		return nil, transportError(err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, transportError(err)
	}
	c.log.Debug("request", "method", r.Method, "url", r.Path, "status", res.StatusCode, "took", time.Since(start))
	return &response{status: res.StatusCode, header: res.Header, body: data, token: snap.Token}, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	var u *url.URL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return "", err
		}
		u = parsed
	} else {
		rel, err := url.Parse(strings.TrimLeft(path, "/"))
		if err != nil {
			return "", err
		}
		copied := *c.base
		copied.Path = strings.TrimRight(c.base.Path, "/") + "/" + rel.Path
		copied.RawQuery = rel.RawQuery
		u = &copied
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) notify(kind NoticeKind, msg string, status int, path string) {
	c.opts.Notifier.Notify(Notice{Kind: kind, Message: msg, Status: status, Path: path})
}

// expireSession clears the credentials and sends the user to sign in,
// remembering where they were.
func (c *Client) expireSession() {
	returnTo := c.opts.Navigator.CurrentPath()
	if err := c.creds.Clear(); err != nil {
		c.log.Error("clear credentials", "err", err)
	}
	if returnTo != "" {
		if err := c.creds.SetReturnTo(returnTo); err != nil {
			c.log.Warn("save return path", "err", err)
		}
	}
	target := c.opts.SignInPath
	if returnTo != "" {
		target += "?redirect=" + url.QueryEscape(returnTo)
	}
	c.notify(NoticeSessionExpired, "Your session has expired. Please sign in again.", http.StatusUnauthorized, returnTo)
	c.opts.Navigator.RedirectToSignIn(target)
}

// transportError converts anything that kept a response from arriving.
func transportError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return apierr.Wrap(apierr.KindTimeout, "request timed out", err).WithCode(apierr.CodeTimeout)
	case errors.Is(err, queue.ErrClosed):
		return apierr.Wrap(apierr.KindNetwork, "client closed", err).WithCode(apierr.CodeNetwork)
	default:
		return apierr.Wrap(apierr.KindNetwork, "network error", err).WithCode(apierr.CodeNetwork)
	}
}

// errorFromResponse classifies a non-2xx reply.
func errorFromResponse(status int, body []byte) *apierr.Error {
	var w wireEnvelope
	_ = json.Unmarshal(body, &w)

	msg := w.errorText()
	if msg == "" {
		msg = w.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var e *apierr.Error
	switch {
	case status == http.StatusUnauthorized:
		e = apierr.New(apierr.KindAuth, msg).WithCode(apierr.CodeUnauthorized)
	case status == http.StatusForbidden:
		e = apierr.New(apierr.KindAuth, msg).WithCode(apierr.CodeForbidden)
	case status == http.StatusTooManyRequests:
		e = apierr.New(apierr.KindRateLimited, msg).WithCode(apierr.CodeRateLimited)
	case status >= 500:
		e = apierr.New(apierr.KindServer, msg).WithCode(apierr.CodeServerError)
	default:
		code := w.Code
		if code == "" {
			code = apierr.CodeBadRequest
			if status == http.StatusNotFound {
				code = apierr.CodeNotFound
			}
		}
		e = apierr.New(apierr.KindValidation, msg).WithCode(code)
		e.Details = w.details()
	}
	return e.WithStatus(status)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
