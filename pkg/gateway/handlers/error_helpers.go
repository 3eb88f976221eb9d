package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
)

func coreErrorFrom(err error, reqID string) (*core.Error, int) {
	return apierror.FromError(err, reqID)
}

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if coreErr != nil && coreErr.RetryAfter != nil {
		w.Header().Set("Retry-After", fmt.Sprint(*coreErr.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: coreErr})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := coreErrorFrom(err, reqID)
	writeCoreErrorJSON(w, reqID, coreErr, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON strictly decodes a bounded request body into v. An empty body
// leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, allowEmpty bool, v any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
			return nil
		case errors.Is(err, io.EOF):
			return core.NewConfigurationError("request body is required")
		case errors.As(err, &tooLarge):
			return &core.Error{Type: core.ErrConfiguration, Code: "body_too_large", Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		default:
			return core.NewConfigurationError(fmt.Sprintf("invalid request body: %v", err))
		}
	}
	if dec.More() {
		return core.NewConfigurationError("request body must contain a single JSON object")
	}
	return nil
}
