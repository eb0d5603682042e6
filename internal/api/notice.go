package api

import (
	"log/slog"
)

// NoticeKind says why a notice was raised.
type NoticeKind int

const (
	NoticeAccessDenied NoticeKind = iota + 1
	NoticeServerError
	NoticeRateLimited
	NoticeSessionExpired
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeAccessDenied:
		return "access_denied"
	case NoticeServerError:
		return "server_error"
	case NoticeRateLimited:
		return "rate_limited"
	case NoticeSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Notice is a transient, user-facing message. It never replaces the error
// returned to the caller.
type Notice struct {
	Kind    NoticeKind
	Message string
	Status  int
	Path    string
}

// Notifier shows notices. Notify must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Navigator is the host application's router.
type Navigator interface {
	// CurrentPath is the location to come back to after signing in.
	CurrentPath() string
	// RedirectToSignIn sends the user to the sign-in entry point.
	RedirectToSignIn(target string)
}

type logNotifier struct{ log *slog.Logger }

func (n logNotifier) Notify(no Notice) {
	n.log.Warn("notice", "kind", no.Kind, "status", no.Status, "path", no.Path, "message", no.Message)
}

type logNavigator struct{ log *slog.Logger }

func (logNavigator) CurrentPath() string { return "" }

func (n logNavigator) RedirectToSignIn(target string) {
	n.log.Info("sign-in required", "target", target)
}
