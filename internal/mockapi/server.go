// Package mockapi is a development stand-in for the heritage REST API and its
// realtime hub. It serves fixture data, issues and verifies JWTs, rotates
// refresh tokens and can inject rate limiting or failures, so the client can
// be exercised without the real backend.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

// Options configures a Server. Zero fields take the defaults noted.
type Options struct {
	Logger       *slog.Logger
	FixturesPath string        // built-in fixtures when empty
	Secret       string        // random when empty
	TokenTTL     time.Duration // 15m
	RateLimit    rate.Limit    // requests per second across /api; 0 disables
	Burst        int           // 1
	RequireCSRF  bool          // reject authenticated writes without the CSRF header
	CSRFHeader   string        // X-CSRF-Token
}

// Server is safe for concurrent use.
type Server struct {
	opts    Options
	log     *slog.Logger
	users   *UserStore
	hub     *ws.Server
	csrf    string
	handler http.Handler

	limiter  atomic.Pointer[rate.Limiter]
	requests atomic.Int64

	mu            sync.RWMutex
	fixtures      *Fixtures
	collections   map[string][]map[string]any
	nextID        map[string]int
	faults        map[string]*fault
	uploads       map[string]upload
	notifications map[int][]realtime.Notification
	nextNotif     int
	present       map[*ws.Conn]int // conn -> user id, after handshake
}

type fault struct {
	Status     int
	Remaining  int
	RetryAfter string
}

type upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// New loads the fixtures and builds the server. Nothing listens until Listen,
// or until Handler is mounted elsewhere.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.CSRFHeader == "" {
		opts.CSRFHeader = "X-CSRF-Token"
	}
	if opts.Secret == "" {
		secret, err := genToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		opts.Secret = secret
	}
	csrf, err := genToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate csrf token: %w", err)
	}

	f, err := LoadFixtures(opts.FixturesPath)
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With("component", "mockapi")
	s := &Server{
		opts:    opts,
		log:     log,
		users:   NewUserStore(opts.Secret, opts.TokenTTL),
		csrf:    csrf,
		faults:  make(map[string]*fault),
		uploads: make(map[string]upload),
		present: make(map[*ws.Conn]int),

		notifications: make(map[int][]realtime.Notification),
	}
	if err := s.Apply(f); err != nil {
		return nil, err
	}
	s.hub = ws.NewServer(s.authenticate, f.Version, opts.Logger)
	s.registerHub()
	s.SetRateLimit(opts.RateLimit, opts.Burst)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.logRequests(s.limit(s.issueCSRF(s.canned(mux))))
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Session
	mux.HandleFunc("POST /api/users/login", s.handleLogin)
	mux.HandleFunc("POST /api/users/refresh-token", s.handleRefresh)
	mux.HandleFunc("POST /api/users/logout", s.authed(s.handleLogout))
	mux.HandleFunc("GET /api/users/profile", s.authed(s.handleProfile))
	mux.HandleFunc("GET /api/notifications", s.authed(s.handleNotifications))

	// Files
	mux.HandleFunc("POST /api/upload", s.authed(s.handleUpload))
	mux.HandleFunc("GET /api/download/{id}", s.handleDownload)

	// Fixture collections
	mux.HandleFunc("GET /api/{collection}", s.handleList)
	mux.HandleFunc("GET /api/{collection}/{id}", s.handleGet)
	mux.HandleFunc("POST /api/{collection}", s.authed(s.handleCreate))
	mux.HandleFunc("PUT /api/{collection}/{id}", s.authed(s.handleUpdate))
	mux.HandleFunc("PATCH /api/{collection}/{id}", s.authed(s.handleUpdate))
	mux.HandleFunc("DELETE /api/{collection}/{id}", s.authed(requireRole("admin", s.handleDelete)))

	// Realtime
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Control endpoints for scripted scenarios
	mux.HandleFunc("POST /_mock/fault", s.handleMockFault)
	mux.HandleFunc("POST /_mock/notify", s.handleMockNotify)
	mux.HandleFunc("POST /_mock/activity", s.handleMockActivity)
	mux.HandleFunc("POST /_mock/disconnect", func(w http.ResponseWriter, _ *http.Request) {
		s.hub.DisconnectAll()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /_mock/reset", s.handleMockReset)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the realtime hub.
func (s *Server) Hub() *ws.Server { return s.hub }

// Users returns the account store.
func (s *Server) Users() *UserStore { return s.users }

// CSRFToken returns the token the server hands out in the CSRF header.
func (s *Server) CSRFToken() string { return s.csrf }

// RequestCount returns how many requests the server has seen.
func (s *Server) RequestCount() int64 { return s.requests.Load() }

// Listen serves on addr ("127.0.0.1:0" picks a free port) and returns the
// API base URL and a cleanup function.
func (s *Server) Listen(addr string) (baseURL string, cleanup func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("mock api serve", "err", err)
		}
	}()

	cleanupFn := func() {
		s.hub.DisconnectAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String() + "/api", cleanupFn, nil
}

// Apply replaces users and collections with f. Uploads and notifications are
// kept.
func (s *Server) Apply(f *Fixtures) error {
	if err := s.users.Replace(f.Users); err != nil {
		return err
	}
	collections := make(map[string][]map[string]any, len(f.Collections))
	nextID := make(map[string]int, len(f.Collections))
	for name, items := range f.Collections {
		cp := make([]map[string]any, 0, len(items))
		maxID := 0
		for _, it := range items {
			item := make(map[string]any, len(it))
			for k, v := range it {
				item[k] = v
			}
			if id, err := strconv.Atoi(fmt.Sprint(item["id"])); err == nil && id > maxID {
				maxID = id
			}
			cp = append(cp, item)
		}
		collections[name] = cp
		nextID[name] = maxID + 1
	}

	s.mu.Lock()
	s.fixtures = f
	s.collections = collections
	s.nextID = nextID
	s.mu.Unlock()
	return nil
}

// Watch reloads the fixture file on change until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	if s.opts.FixturesPath == "" {
		return errors.New("no fixture file to watch")
	}
	return WatchFixtures(ctx, s.opts.FixturesPath, s.log, func(f *Fixtures) {
		if err := s.Apply(f); err != nil {
			s.log.Warn("apply fixtures", "err", err)
		}
	})
}

// SetRateLimit changes the request rate allowed across /api. A zero limit
// turns limiting off.
func (s *Server) SetRateLimit(limit rate.Limit, burst int) {
	if limit <= 0 {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(rate.NewLimiter(limit, max(burst, 1)))
}

// InjectFault makes the next count requests to path fail with status.
func (s *Server) InjectFault(path string, status, count int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count <= 0 {
		delete(s.faults, path)
		return
	}
	s.faults[path] = &fault{Status: status, Remaining: count, RetryAfter: retryAfter}
}

func (s *Server) takeFault(path string) (fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faults[path]
	if !ok {
		return fault{}, false
	}
	f.Remaining--
	if f.Remaining <= 0 {
		delete(s.faults, path)
	}
	return *f, true
}

// --- Middleware ---

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if r.URL.Path == "/ws" {
			// The upgrade needs the raw ResponseWriter.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "dur", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if f, ok := s.takeFault(r.URL.Path); ok {
			if f.RetryAfter != "" {
				w.Header().Set("Retry-After", f.RetryAfter)
			}
			writeError(w, f.Status, http.StatusText(f.Status), "INJECTED", nil)
			return
		}
		if l := s.limiter.Load(); l != nil && !l.Allow() {
			wait := int(math.Ceil(1 / float64(l.Limit())))
			w.Header().Set("Retry-After", strconv.Itoa(max(wait, 1)))
			writeError(w, http.StatusTooManyRequests, "Too many requests", "RATE_LIMITED", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) issueCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(s.opts.CSRFHeader, s.csrf)
		if s.opts.RequireCSRF && isWrite(r.Method) && r.Header.Get("Authorization") != "" &&
			r.Header.Get(s.opts.CSRFHeader) != s.csrf {
			writeError(w, http.StatusForbidden, "Invalid CSRF token", "CSRF", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// canned answers fixture routes before the built-in handlers see the request.
func (s *Server) canned(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		route, ok := s.fixtures.route(r.Method, r.URL.Path)
		s.mu.RUnlock()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if route.Delay > 0 {
			select {
			case <-time.After(route.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for k, v := range route.Headers {
			w.Header().Set(k, v)
		}
		switch {
		case route.Raw:
			writeJSON(w, route.Status, route.Body)
		case route.Status >= 400:
			writeError(w, route.Status, fmt.Sprint(route.Body), "", nil)
		default:
			writeJSON(w, route.Status, envelope{Success: true, Data: route.Body})
		}
	})
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// --- Auth ---

type authedHandler func(w http.ResponseWriter, r *http.Request, u *User)

// authed resolves the bearer token and rejects the request with 401 when it
// is missing or invalid.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", "UNAUTHORIZED", nil)
			return
		}
		u, err := s.users.VerifyJWT(tok)
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
			}
			s.log.Debug("rejected token", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", code, nil)
			return
		}
		h(w, r, u)
	}
}

func requireRole(role string, h authedHandler) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, u *User) {
		if u.Role != role {
			writeError(w, http.StatusForbidden, "Insufficient permissions", "FORBIDDEN", nil)
			return
		}
		h(w, r, u)
	}
}

func (s *Server) authenticate(token string) (int, error) {
	u, err := s.users.VerifyJWT(token)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// --- Responses ---

type envelope struct {
	Success    bool                `json:"success"`
	Data       any                 `json:"data,omitempty"`
	Message    string              `json:"message,omitempty"`
	Error      string              `json:"error,omitempty"`
	Code       string              `json:"code,omitempty"`
	Details    []apierr.FieldError `json:"details,omitempty"`
	Pagination *pagination         `json:"pagination,omitempty"`
}

type pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Limit int `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, envelope{Success: true, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, status int, msg, code string, details []apierr.FieldError) {
	writeJSON(w, status, envelope{Success: false, Error: msg, Code: code, Details: details})
}

// --- Control endpoints ---

func (s *Server) handleMockFault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path       string `json:"path"`
		Status     int    `json:"status"`
		Count      int    `json:"count"`
		RetryAfter string `json:"retryAfter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if req.Status == 0 {
		req.Status = http.StatusTooManyRequests
	}
	if req.Count == 0 {
		req.Count = 1
	}
	s.InjectFault(req.Path, req.Status, req.Count, req.RetryAfter)
	s.log.Info("fault injected", "path", req.Path, "status", req.Status, "count", req.Count)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMockNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int `json:"userId"`
		realtime.Notification
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.Notify(req.UserID, req.Notification))
}

func (s *Server) handleMockActivity(w http.ResponseWriter, r *http.Request) {
	var a realtime.Activity
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.PublishActivity(a)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMockReset(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	f := s.fixtures
	s.mu.RUnlock()
	if err := s.Apply(f); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.faults = make(map[string]*fault)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
