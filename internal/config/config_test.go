package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HERITAGE_API_URL", "")
	os.Unsetenv("HERITAGE_API_URL")

	cfg, rest, err := load(nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %v", rest)
	}
	if cfg.APIBaseURL != "http://localhost:5000/api" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.RealtimeURL != "ws://localhost:5000/ws" {
		t.Errorf("RealtimeURL = %q", cfg.RealtimeURL)
	}
	if cfg.MinRequestDelay != 100*time.Millisecond {
		t.Errorf("MinRequestDelay = %v", cfg.MinRequestDelay)
	}
	if cfg.RateLimitAttempts != 3 {
		t.Errorf("RateLimitAttempts = %d", cfg.RateLimitAttempts)
	}
	if cfg.BackoffInitial != time.Second || cfg.BackoffMax != 30*time.Second {
		t.Errorf("backoff = %v..%v", cfg.BackoffInitial, cfg.BackoffMax)
	}
	if cfg.AckTimeout != 5*time.Second {
		t.Errorf("AckTimeout = %v", cfg.AckTimeout)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v", cfg.Level())
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	yamlDoc := `
apiBaseURL: https://patrimoine.example.dz/api
logLevel: debug
minRequestDelay: 250ms
reconnectAttempts: 8
serverVersion: ">= 1.0.0"
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}

	// Flag beats file, env beats flag.
	t.Setenv("HERITAGE_MIN_REQUEST_DELAY", "300ms")
	cfg, rest, err := load([]string{
		"-config", path,
		"-log-level", "warn",
		"-min-delay", "200ms",
		"get", "/oeuvres",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.APIBaseURL != "https://patrimoine.example.dz/api" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.RealtimeURL != "wss://patrimoine.example.dz/ws" {
		t.Errorf("RealtimeURL = %q", cfg.RealtimeURL)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("Level = %v, want warn (flag over file)", cfg.Level())
	}
	if cfg.MinRequestDelay != 300*time.Millisecond {
		t.Errorf("MinRequestDelay = %v, want 300ms (env over flag)", cfg.MinRequestDelay)
	}
	if cfg.ReconnectAttempts != 8 {
		t.Errorf("ReconnectAttempts = %d", cfg.ReconnectAttempts)
	}
	if cfg.ServerVersion != ">= 1.0.0" {
		t.Errorf("ServerVersion = %q", cfg.ServerVersion)
	}
	if len(rest) != 2 || rest[0] != "get" || rest[1] != "/oeuvres" {
		t.Errorf("rest = %v", rest)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("HERITAGE_API_URL", "not a url")
	if _, _, err := load(nil, io.Discard); err == nil {
		t.Error("expected error for invalid api url")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("backoff max below initial", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.RealtimeURL = "ws://localhost:5000/ws"
		cfg.BackoffMax = 100 * time.Millisecond
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("realtime must be ws", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.RealtimeURL = "http://localhost:5000/ws"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("zero attempts", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.RealtimeURL = "ws://localhost:5000/ws"
		cfg.RateLimitAttempts = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("defaults are valid", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.RealtimeURL = "ws://localhost:5000/ws"
		if err := cfg.Validate(); err != nil {
			t.Error(err)
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	} {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
