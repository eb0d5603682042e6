package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/api"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// defaultEvents are printed by listen when no event is named.
var defaultEvents = []string{
	realtime.NotificationNew.Name,
	realtime.ActivityFeed.Name,
	realtime.PresenceOnline.Name,
	realtime.PresenceOffline.Name,
	realtime.Typing.Name,
	ws.EventError,
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "get":
		return a.cmdGet(ctx, args)
	case "list":
		return a.cmdList(ctx, args)
	case "post", "put", "patch":
		return a.cmdWrite(ctx, strings.ToUpper(cmd), args)
	case "delete":
		return a.cmdDelete(ctx, args)
	case "upload":
		return a.cmdUpload(ctx, args)
	case "download":
		return a.cmdDownload(ctx, args)
	case "login":
		return a.cmdLogin(ctx, args)
	case "logout":
		return a.client.Logout(ctx)
	case "whoami":
		return a.cmdWhoami()
	case "listen":
		return a.cmdListen(ctx, args)
	case "emit":
		return a.cmdEmit(ctx, args)
	default:
		return usagef("unknown command %q", cmd)
	}
}

// --- REST ---

func (a *app) cmdGet(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usagef("get: PATH required")
	}
	q, err := parseQuery(args[1:])
	if err != nil {
		return err
	}
	env, err := a.client.Send(ctx, api.Request{Method: http.MethodGet, Path: args[0], Query: q})
	if err != nil {
		return err
	}
	return a.print(env.Data)
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usagef("list: PATH required")
	}
	q, err := parseQuery(args[1:])
	if err != nil {
		return err
	}
	env, err := api.GetPaginated[json.RawMessage](ctx, a.client, args[0], q)
	if err != nil {
		return err
	}
	p := env.Data.Pagination
	fmt.Fprintf(os.Stderr, "page %d/%d, %d total\n", p.Page, p.Pages, p.Total)
	return a.print(env.Data.Items)
}

func (a *app) cmdWrite(ctx context.Context, method string, args []string) error {
	if len(args) < 1 {
		return usagef("%s: PATH required", strings.ToLower(method))
	}
	var body any
	if len(args) > 1 {
		raw, err := readBody(args[1])
		if err != nil {
			return err
		}
		body = raw
	}
	env, err := a.client.Do(ctx, method, args[0], body)
	if err != nil {
		return err
	}
	if env.Message != "" {
		fmt.Fprintln(os.Stderr, env.Message)
	}
	return a.print(env.Data)
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usagef("delete: PATH required")
	}
	env, err := api.Delete[json.RawMessage](ctx, a.client, args[0], nil)
	if err != nil {
		return err
	}
	if env.Message != "" {
		fmt.Fprintln(os.Stderr, env.Message)
	}
	return nil
}

func (a *app) cmdUpload(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return usagef("upload: PATH and FILE required")
	}
	content, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	fields, err := parseQuery(args[2:])
	if err != nil {
		return err
	}
	f := api.File{
		Name:        filepath.Base(args[1]),
		ContentType: http.DetectContentType(content),
		Content:     content,
		Fields:      make(map[string]string, len(fields)),
	}
	for k := range fields {
		f.Fields[k] = fields.Get(k)
	}

	env, err := api.Upload[json.RawMessage](ctx, a.client, args[0], f, func(p int) {
		fmt.Fprintf(os.Stderr, "\ruploading %s: %3d%%", f.Name, p)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	return a.print(env.Data)
}

func (a *app) cmdDownload(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usagef("download: PATH [OUT]")
	}
	var out string
	if len(args) == 2 {
		out = args[1]
	}
	written, err := a.client.Download(ctx, args[0], out)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, written)
	return nil
}

// --- Session ---

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usagef("login: EMAIL required")
	}
	password := os.Getenv("HERITAGE_PASSWORD")
	if len(args) > 1 {
		password = args[1]
	}
	if password == "" {
		return usagef("login: PASSWORD or $HERITAGE_PASSWORD required")
	}
	if _, err := a.client.Login(ctx, args[0], password); err != nil {
		return err
	}
	return a.cmdWhoami()
}

func (a *app) cmdWhoami() error {
	snap := a.creds.Snapshot()
	if !snap.Authenticated() {
		fmt.Fprintln(a.out, "not signed in")
		return nil
	}
	claims, err := auth.ParseClaims(snap.Token)
	if err != nil {
		// Opaque token: show the cached user instead.
		return a.print(snap.User)
	}
	info := map[string]any{
		"id":       claims.UserID,
		"email":    claims.Email,
		"username": claims.Username,
		"role":     claims.Role,
	}
	if claims.ExpiresAt != nil {
		info["expires"] = claims.ExpiresAt.Time.Format(time.RFC3339)
		info["expired"] = auth.TokenExpired(snap.Token, time.Now(), 0)
	}
	return a.print(info)
}

// --- Realtime ---

func (a *app) cmdListen(ctx context.Context, args []string) error {
	events := args
	if len(events) == 0 {
		events = defaultEvents
	}

	var mu sync.Mutex
	for _, name := range events {
		a.channel.On(name, func(data json.RawMessage) {
			line, _ := json.Marshal(struct {
				Time  time.Time       `json:"time"`
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data,omitempty"`
			}{time.Now(), name, data})
			mu.Lock()
			fmt.Fprintln(a.out, string(line))
			mu.Unlock()
		})
	}
	a.channel.OnStateChange(func(s realtime.State) {
		switch {
		case s.Connected:
			a.log.Info("realtime connected", "server", s.ServerVersion)
		case s.Connecting && s.ReconnectAttempts > 0:
			a.log.Warn("realtime reconnecting", "attempt", s.ReconnectAttempts, "of", s.MaxReconnectAttempts)
		case s.LastError != nil:
			a.log.Warn("realtime disconnected", "err", s.LastError)
		}
	})

	if err := a.channel.Connect(ctx, ""); err != nil {
		return err
	}
	<-ctx.Done()
	a.channel.Disconnect()
	return nil
}

func (a *app) cmdEmit(ctx context.Context, args []string) error {
	ack := slices.ContainsFunc(args, func(s string) bool { return s == "-ack" || s == "--ack" })
	args = slices.DeleteFunc(slices.Clone(args), func(s string) bool { return s == "-ack" || s == "--ack" })
	if len(args) < 1 || len(args) > 2 {
		return usagef("emit: EVENT [JSON] [-ack]")
	}
	var data any
	if len(args) == 2 {
		raw, err := readBody(args[1])
		if err != nil {
			return err
		}
		data = raw
	}

	if err := a.channel.Connect(ctx, ""); err != nil {
		return err
	}
	defer a.channel.Disconnect()

	if !ack {
		return a.channel.Emit(args[0], data)
	}
	reply, err := a.channel.EmitWithAck(ctx, args[0], data, 0)
	if err != nil {
		return err
	}
	return a.print(reply)
}

// --- Helpers ---

func (a *app) print(v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseQuery turns key=value arguments into query values.
func parseQuery(args []string) (url.Values, error) {
	q := url.Values{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, usagef("expected key=value, got %q", arg)
		}
		q.Add(k, v)
	}
	return q, nil
}

// readBody accepts inline JSON, @file or - for stdin.
func readBody(arg string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, usagef("body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
