// Package apierr defines the single error shape returned by the API client and
// the realtime channel. Transport errors are always converted into an *Error
// before they reach a caller.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindValidation Kind = iota + 1 // 4xx with field details
	KindAuth                       // 401/403
	KindRateLimited                // 429 after retries ran out
	KindServer                     // 5xx
	KindTimeout
	KindNetwork // no response at all
	KindHandshake
	KindAckTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindHandshake:
		return "realtime_handshake"
	case KindAckTimeout:
		return "realtime_ack_timeout"
	default:
		return "unknown"
	}
}

// Error codes carried in Error.Code.
const (
	CodeRateLimited  = "RATE_LIMITED"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeServerError  = "SERVER_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeNetwork      = "NETWORK_ERROR"
	CodeNotConnected = "NOT_CONNECTED"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrValidation  = &Error{Kind: KindValidation, Message: "validation error"}
	ErrAuth        = &Error{Kind: KindAuth, Message: "authentication error"}
	ErrRateLimited = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrServer      = &Error{Kind: KindServer, Message: "server error"}
	ErrTimeout     = &Error{Kind: KindTimeout, Message: "timeout"}
	ErrNetwork     = &Error{Kind: KindNetwork, Message: "network error"}
	ErrHandshake   = &Error{Kind: KindHandshake, Message: "realtime handshake failed"}
	ErrAckTimeout  = &Error{Kind: KindAckTimeout, Message: "realtime ack timeout"}
)

// FieldError is a field-level validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error is the typed error surfaced to callers.
type Error struct {
	Kind    Kind         `json:"-"`
	Message string       `json:"message"`
	Status  int          `json:"status,omitempty"`
	Code    string       `json:"code,omitempty"`
	Details []FieldError `json:"details,omitempty"`

	cause error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind that keeps err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithStatus sets the HTTP status and returns e.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithCode sets the code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return 0
}
