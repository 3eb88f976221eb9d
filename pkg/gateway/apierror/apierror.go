package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// FromError converts err into its canonical wire form and HTTP status.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrTransport,
			Message:   "request timeout",
			Code:      core.ErrConnectTimeout.Code,
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &core.Error{
			Type:      core.ErrConfiguration,
			Message:   "request body is not valid JSON",
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFor(coreErr)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFor(e *core.Error) int {
	switch e.Code {
	case core.ErrUpstreamRejected.Code:
		return http.StatusBadGateway
	case core.ErrConnectTimeout.Code:
		return http.StatusGatewayTimeout
	case core.ErrUpstreamUnavailable.Code, bridge.ErrDraining.Code:
		return http.StatusServiceUnavailable
	}

	switch e.Type {
	case core.ErrConfiguration:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrConcurrency:
		return http.StatusConflict
	case core.ErrClosed:
		return http.StatusGone
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrTransport:
		return http.StatusServiceUnavailable
	case core.ErrUpstreamProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
