// Command heritage is a command-line client for the heritage platform API.
// It keeps its session in a local bbolt file and talks to the REST API and
// the realtime channel through the same client layer the applications use.
//
// Usage:
//
//	heritage [flags] <command> [args]
//
// Run with -h for flags and the command list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/api"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/config"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/db"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.1.0"

const usage = `Commands:
  get PATH [key=value...]          GET and print the data
  list PATH [key=value...]         GET a paginated list
  post|put|patch PATH [BODY]       BODY is JSON, @file or - for stdin
  delete PATH
  upload PATH FILE [key=value...]  multipart upload with progress
  download PATH [OUT]              save a file
  login EMAIL [PASSWORD]           PASSWORD defaults to $HERITAGE_PASSWORD
  logout
  whoami                           show the stored session
  listen [EVENT...]                print realtime events until interrupted
  emit EVENT [JSON] [-ack]         send a realtime event
  healthcheck                      exit 0 when the API answers
  version
`

type app struct {
	out     io.Writer
	cfg     *config.Config
	log     *slog.Logger
	db      *bolt.DB
	creds   *auth.Store
	client  *api.Client
	channel *realtime.Channel
}

func main() {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	})))

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Quick modes that need neither the session store nor the client.
	switch args[0] {
	case "version":
		fmt.Println(version)
		return
	case "healthcheck":
		if err := healthcheck(context.Background(), cfg, slog.Default()); err != nil {
			slog.Error("healthcheck", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Debug("starting heritage client",
		"api", cfg.APIBaseURL,
		"realtime", cfg.RealtimeURL,
		"dataDir", cfg.DataDir,
		"logLevel", cfg.LogLevel,
	)

	a, err := newApp(cfg, slog.Default())
	if err != nil {
		slog.Error("init", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = a.run(ctx, args[0], args[1:])
	stop()
	a.Close()

	if err != nil {
		os.Exit(report(err))
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	creds, err := auth.NewStore(database)
	if err != nil {
		database.Close()
		return nil, err
	}

	client, err := api.New(api.Options{
		BaseURL:           cfg.APIBaseURL,
		Credentials:       creds,
		Notifier:          api.NotifierFunc(printNotice),
		Navigator:         cliNavigator{},
		Logger:            logger,
		MinDelay:          cfg.MinRequestDelay,
		SeparateReadLane:  cfg.SeparateReadLane,
		Timeout:           cfg.RequestTimeout,
		RateLimitAttempts: cfg.RateLimitAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		LoginPath:         cfg.LoginPath,
		LogoutPath:        cfg.LogoutPath,
		RefreshPath:       cfg.RefreshPath,
		SignInPath:        cfg.SignInPath,
		CSRFHeader:        cfg.CSRFHeader,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	channel, err := realtime.New(realtime.Options{
		URL:               cfg.RealtimeURL,
		Credentials:       creds,
		Logger:            logger,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		AckTimeout:        cfg.AckTimeout,
		PingInterval:      cfg.PingInterval,
		ServerVersion:     cfg.ServerVersion,
		OutboxLimit:       cfg.OutboxLimit,
	})
	if err != nil {
		client.Close()
		database.Close()
		return nil, err
	}

	return &app{
		out:     os.Stdout,
		cfg:     cfg,
		log:     logger,
		db:      database,
		creds:   creds,
		client:  client,
		channel: channel,
	}, nil
}

func (a *app) Close() {
	a.channel.Close()
	a.client.Close()
	a.db.Close()
}

// healthcheck calls the API's health route with a throwaway in-memory
// session, so it works before login and never touches the data dir.
func healthcheck(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := api.New(api.Options{
		BaseURL:           cfg.APIBaseURL,
		Credentials:       auth.NewMemoryStore(),
		Logger:            logger,
		Timeout:           min(cfg.RequestTimeout, 5*time.Second),
		RateLimitAttempts: 1,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = api.Get[json.RawMessage](ctx, client, "/health")
	return err
}

// report prints err for a person and picks the exit status.
func report(err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintln(os.Stderr, ue.msg)
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if e, ok := apierr.As(err); ok {
		fmt.Fprintf(os.Stderr, "error (%s): %s\n", e.Kind, e.Message)
		for _, d := range e.Details {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", d.Field, d.Message)
		}
		if e.Kind == apierr.KindAuth {
			return 3
		}
		return 1
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func printNotice(n api.Notice) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Kind, n.Message)
}

// cliNavigator has no location to come back to; a redirect just tells the
// user to sign in again.
type cliNavigator struct{}

func (cliNavigator) CurrentPath() string { return "" }

func (cliNavigator) RedirectToSignIn(string) {
	fmt.Fprintln(os.Stderr, "session expired: run `heritage login EMAIL` to sign in again")
}
