package apierr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := New(KindRateLimited, "too many requests").WithStatus(429).WithCode(CodeRateLimited)
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is(err, ErrRateLimited)")
	}
	if errors.Is(err, ErrServer) {
		t.Error("rate limited error should not match ErrServer")
	}

	wrapped := fmt.Errorf("load works: %w", err)
	if !errors.Is(wrapped, ErrRateLimited) {
		t.Error("expected match through fmt.Errorf wrapping")
	}
	if KindOf(wrapped) != KindRateLimited {
		t.Errorf("KindOf = %v", KindOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	err := Wrap(KindTimeout, "request timed out", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause should be reachable via errors.Is")
	}
	if got := err.Error(); got != "request timed out: context deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAs(t *testing.T) {
	t.Parallel()

	if _, ok := As(errors.New("plain")); ok {
		t.Error("plain error should not convert")
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf(plain) should be 0")
	}

	e, ok := As(fmt.Errorf("ctx: %w", New(KindValidation, "bad").WithStatus(422)))
	if !ok {
		t.Fatal("expected *Error")
	}
	if e.Status != 422 {
		t.Errorf("Status = %d", e.Status)
	}
	if e.Kind.String() != "validation" {
		t.Errorf("Kind = %s", e.Kind)
	}
}
