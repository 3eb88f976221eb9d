package core

import (
	"errors"
	"fmt"
)

// Error is the typed error shared by the bridge, its transports and the HTTP surface.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error by code (or by type when the target carries no code),
// so sentinels compare with errors.Is after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Type == t.Type
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrConfiguration    ErrorType = "configuration_error"
	ErrTransport        ErrorType = "transport_error"
	ErrUpstreamProtocol ErrorType = "upstream_protocol_error"
	ErrConcurrency      ErrorType = "concurrency_conflict"
	ErrPersistence      ErrorType = "persistence_error"
	ErrNotFound         ErrorType = "not_found_error"
	ErrClosed           ErrorType = "session_closed"
	ErrAuthentication   ErrorType = "authentication_error"
	ErrRateLimit        ErrorType = "rate_limit_error"
	ErrAPI              ErrorType = "api_error"
)

var (
	ErrAlreadyActive        = &Error{Type: ErrConcurrency, Code: "already_active", Message: "a bridge session is already active for this conversation"}
	ErrSessionNotActive     = &Error{Type: ErrConcurrency, Code: "session_not_active", Message: "bridge session is not active"}
	ErrSessionClosed        = &Error{Type: ErrClosed, Code: "session_closed", Message: "bridge session is closed"}
	ErrSessionNotFound      = &Error{Type: ErrNotFound, Code: "session_not_found", Message: "no live bridge session for this conversation"}
	ErrConversationNotFound = &Error{Type: ErrNotFound, Code: "conversation_not_found", Message: "conversation not found"}
	ErrIncompatibleOffer    = &Error{Type: ErrConfiguration, Code: "incompatible_offer", Message: "offer does not include an audio media line"}
	ErrRateMismatch         = &Error{Type: ErrConfiguration, Code: "rate_mismatch", Message: "audio frame sample rate does not match the negotiated rate"}
	ErrUpstreamUnavailable  = &Error{Type: ErrTransport, Code: "upstream_unavailable", Message: "upstream realtime endpoint unavailable"}
	ErrUpstreamRejected     = &Error{Type: ErrConfiguration, Code: "upstream_rejected", Message: "upstream realtime endpoint rejected the session"}
	ErrConnectTimeout       = &Error{Type: ErrTransport, Code: "connect_timeout", Message: "bridge connect timed out"}
	ErrCollaboratorOffline  = &Error{Type: ErrNotFound, Code: "collaborator_offline", Message: "no agent is connected for this conversation"}
)

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
	}
}

// NewConfigurationErrorWithParam creates a configuration error naming the offending parameter.
func NewConfigurationErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
		Param:   param,
	}
}

// NewTransportError creates a transport error.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		cause:   cause,
	}
}

// NewUpstreamProtocolError creates an upstream protocol error.
func NewUpstreamProtocolError(message string) *Error {
	return &Error{
		Type:    ErrUpstreamProtocol,
		Message: message,
	}
}

// NewPersistenceError creates a persistence error.
func NewPersistenceError(message string, cause error) *Error {
	return &Error{
		Type:    ErrPersistence,
		Message: message,
		cause:   cause,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// IsTerminal reports whether err ends a session rather than a single operation.
func IsTerminal(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Type {
	case ErrTransport, ErrClosed:
		return true
	default:
		return ce.Code == ErrUpstreamRejected.Code
	}
}
