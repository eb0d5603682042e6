// Command mock-api runs a standalone fake of the heritage REST API and its
// realtime hub, so the client and CLI can be exercised without the backend.
//
// Usage:
//
//	mock-api --addr 127.0.0.1:5000 \
//	         --fixtures test-data/fixtures.yaml \
//	         --rate 5 --burst 10
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/mockapi"
)

func main() {
	var (
		addr        string
		fixtures    string
		watch       bool
		secret      string
		tokenTTL    time.Duration
		rps         float64
		burst       int
		requireCSRF bool
		logLevel    string
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:5000", "Listen address")
	flag.StringVar(&fixtures, "fixtures", "", "YAML fixture file (default: built-in fixtures)")
	flag.BoolVar(&watch, "watch", true, "Reload the fixture file when it changes")
	flag.StringVar(&secret, "secret", os.Getenv("MOCK_API_SECRET"), "JWT signing secret (default: random)")
	flag.DurationVar(&tokenTTL, "token-ttl", 15*time.Minute, "Access token lifetime")
	flag.Float64Var(&rps, "rate", 0, "Requests per second allowed across /api (0 = unlimited)")
	flag.IntVar(&burst, "burst", 1, "Burst size for --rate")
	flag.BoolVar(&requireCSRF, "require-csrf", false, "Reject authenticated writes without the CSRF header")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	})))

	srv, err := mockapi.New(mockapi.Options{
		Logger:       slog.Default(),
		FixturesPath: fixtures,
		Secret:       secret,
		TokenTTL:     tokenTTL,
		RateLimit:    rate.Limit(rps),
		Burst:        burst,
		RequireCSRF:  requireCSRF,
	})
	if err != nil {
		slog.Error("start mock api", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if fixtures != "" && watch {
		if err := srv.Watch(ctx); err != nil {
			slog.Warn("fixture watcher disabled", "err", err)
		}
	}

	baseURL, cleanup, err := srv.Listen(addr)
	if err != nil {
		slog.Error("listen", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// Print the base URL to stdout so parent processes can discover it
	fmt.Println(baseURL)

	slog.Info("mock api started",
		"url", baseURL,
		"fixtures", fixtures,
		"rate", rps,
		"csrf", requireCSRF,
	)

	// Wait for SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("mock api shutting down")
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
