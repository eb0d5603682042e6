// Package config resolves client configuration once at startup.
//
// Precedence, lowest first: built-in defaults, YAML file, command-line flags,
// HERITAGE_* environment variables.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "HERITAGE"

type Config struct {
	APIBaseURL  string `yaml:"apiBaseURL" envconfig:"API_URL"`
	RealtimeURL string `yaml:"realtimeURL" envconfig:"REALTIME_URL"` // derived from APIBaseURL when empty
	DataDir     string `yaml:"dataDir" envconfig:"DATA_DIR"`
	LogLevel    string `yaml:"logLevel" envconfig:"LOG_LEVEL"`

	// HTTP
	MinRequestDelay   time.Duration `yaml:"minRequestDelay" envconfig:"MIN_REQUEST_DELAY"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
	SeparateReadLane  bool          `yaml:"separateReadLane" envconfig:"SEPARATE_READ_LANE"`
	RateLimitAttempts int           `yaml:"rateLimitAttempts" envconfig:"RATE_LIMIT_ATTEMPTS"`
	BackoffInitial    time.Duration `yaml:"backoffInitial" envconfig:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `yaml:"backoffMax" envconfig:"BACKOFF_MAX"`
	LoginPath         string        `yaml:"loginPath" envconfig:"LOGIN_PATH"`
	LogoutPath        string        `yaml:"logoutPath" envconfig:"LOGOUT_PATH"`
	RefreshPath       string        `yaml:"refreshPath" envconfig:"REFRESH_PATH"`
	SignInPath        string        `yaml:"signInPath" envconfig:"SIGN_IN_PATH"`
	CSRFHeader        string        `yaml:"csrfHeader" envconfig:"CSRF_HEADER"`

	// Realtime
	ReconnectAttempts int           `yaml:"reconnectAttempts" envconfig:"RECONNECT_ATTEMPTS"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay" envconfig:"RECONNECT_DELAY"`
	ReconnectDelayMax time.Duration `yaml:"reconnectDelayMax" envconfig:"RECONNECT_DELAY_MAX"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout" envconfig:"HANDSHAKE_TIMEOUT"`
	AckTimeout        time.Duration `yaml:"ackTimeout" envconfig:"ACK_TIMEOUT"`
	PingInterval      time.Duration `yaml:"pingInterval" envconfig:"PING_INTERVAL"`
	ServerVersion     string        `yaml:"serverVersion" envconfig:"SERVER_VERSION"` // semver constraint, e.g. ">= 1.2"
	OutboxLimit       int           `yaml:"outboxLimit" envconfig:"OUTBOX_LIMIT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:        "http://localhost:5000/api",
		DataDir:           "./data",
		LogLevel:          "info",
		MinRequestDelay:   100 * time.Millisecond,
		RequestTimeout:    30 * time.Second,
		RateLimitAttempts: 3,
		BackoffInitial:    1 * time.Second,
		BackoffMax:        30 * time.Second,
		LoginPath:         "/users/login",
		LogoutPath:        "/users/logout",
		RefreshPath:       "/users/refresh-token",
		SignInPath:        "/auth",
		CSRFHeader:        "X-CSRF-Token",
		ReconnectAttempts: 5,
		ReconnectDelay:    1 * time.Second,
		ReconnectDelayMax: 5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		AckTimeout:        5 * time.Second,
		PingInterval:      25 * time.Second,
		OutboxLimit:       1000,
	}
}

// Load parses args (without the program name) and returns the configuration
// and the remaining positional arguments.
func Load(args []string) (*Config, []string, error) {
	return load(args, os.Stderr)
}

func load(args []string, usageOut io.Writer) (*Config, []string, error) {
	cfg := Default()

	fs := flag.NewFlagSet("heritage", flag.ContinueOnError)
	fs.SetOutput(usageOut)
	configFile := fs.String("config", os.Getenv(EnvPrefix+"_CONFIG"), "Path to a YAML config file")
	apiURL := fs.String("api", "", "REST API base URL")
	rtURL := fs.String("realtime", "", "Realtime websocket URL (default: derived from -api)")
	dataDir := fs.String("data-dir", "", "Directory for persisted credentials")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	minDelay := fs.Duration("min-delay", 0, "Minimum spacing between request starts")
	readLane := fs.Bool("read-lane", false, "Queue GET requests on their own lane")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if *configFile != "" {
		if err := cfg.loadFile(*configFile); err != nil {
			return nil, nil, err
		}
	}

	// Flags override the file only when given explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api":
			cfg.APIBaseURL = *apiURL
		case "realtime":
			cfg.RealtimeURL = *rtURL
		case "data-dir":
			cfg.DataDir = *dataDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "min-delay":
			cfg.MinRequestDelay = *minDelay
		case "read-lane":
			cfg.SeparateReadLane = *readLane
		}
	})

	// Env vars override flags (if set)
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, nil, fmt.Errorf("environment: %w", err)
	}

	if cfg.RealtimeURL == "" {
		derived, err := DeriveRealtimeURL(cfg.APIBaseURL)
		if err != nil {
			return nil, nil, err
		}
		cfg.RealtimeURL = derived
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// DeriveRealtimeURL maps http(s)://host/api to ws(s)://host/ws.
func DeriveRealtimeURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Validate checks URLs, durations and counts.
func (c *Config) Validate() error {
	if err := checkURL("api url", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("realtime url", c.RealtimeURL, "ws", "wss"); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	for name, d := range map[string]time.Duration{
		"min request delay":   c.MinRequestDelay,
		"request timeout":     c.RequestTimeout,
		"backoff initial":     c.BackoffInitial,
		"backoff max":         c.BackoffMax,
		"reconnect delay":     c.ReconnectDelay,
		"reconnect delay max": c.ReconnectDelayMax,
		"handshake timeout":   c.HandshakeTimeout,
		"ack timeout":         c.AckTimeout,
		"ping interval":       c.PingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff max %v is below backoff initial %v", c.BackoffMax, c.BackoffInitial)
	}
	if c.RateLimitAttempts < 1 {
		return fmt.Errorf("rate limit attempts must be at least 1")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative")
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", name, raw, strings.Join(schemes, "/"))
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
