package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrConfiguration,
		Message: "voice is required",
	}

	expected := "configuration_error: voice is required"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	expected := "concurrency_conflict: a bridge session is already active for this conversation (code: already_active)"
	if ErrAlreadyActive.Error() != expected {
		t.Errorf("Error() = %q, want %q", ErrAlreadyActive.Error(), expected)
	}
}

func TestError_IsMatchesSentinelThroughWrapping(t *testing.T) {
	err := fmt.Errorf("create bridge: %w", ErrUpstreamRejected.Wrap(errors.New("401 unauthorized")))
	if !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected errors.Is to match ErrUpstreamRejected: %v", err)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("did not expect ErrUpstreamUnavailable to match")
	}
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewPersistenceError("append event", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if err.Error() != "persistence_error: append event: disk full" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestError_WithMessageKeepsCode(t *testing.T) {
	err := ErrSessionNotFound.WithMessage("no live bridge session for %q", "c1")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected code to survive WithMessage")
	}
	if err.Message != `no live bridge session for "c1"` {
		t.Fatalf("Message = %q", err.Message)
	}
	if ErrSessionNotFound.Message == err.Message {
		t.Fatalf("WithMessage mutated the sentinel")
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", 60)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 60 {
		t.Errorf("RetryAfter = %v, want 60", err.RetryAfter)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", NewTransportError("read failed", errors.New("eof")), true},
		{"rejected", ErrUpstreamRejected, true},
		{"closed", ErrSessionClosed, true},
		{"protocol", NewUpstreamProtocolError("unexpected event"), false},
		{"persistence", NewPersistenceError("append", nil), false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Fatalf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}
