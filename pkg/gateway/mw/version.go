package mw

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/core"
)

// Clients pin the control API version with X-VAI-Version. Observer streams
// and agent sockets are opened by browsers and agent runtimes that cannot
// always set headers, so GETs may use the api_version query parameter.
const (
	apiVersionHeader  = "X-VAI-Version"
	apiVersionQuery   = "api_version"
	currentAPIVersion = "1"
)

var supportedAPIVersions = []string{currentAPIVersion}

// APIVersion negotiates the version for /v1 requests and stamps it on the
// response, including error responses.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		requested, param := requestedVersions(r)
		version, ok := negotiateVersion(requested)
		if !ok {
			reqID, _ := RequestIDFrom(r.Context())
			w.Header().Set(apiVersionHeader, currentAPIVersion)
			writeJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrConfiguration,
				Message:   fmt.Sprintf("unsupported API version %s; this server speaks %s", strings.Join(requested, ", "), strings.Join(supportedAPIVersions, ", ")),
				Param:     param,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		// the upgrade response is written by the socket library, not from w
		if classify(r) != kindAgentSocket {
			w.Header().Set(apiVersionHeader, version)
		}
		next.ServeHTTP(w, r)
	})
}

// requestedVersions returns the acceptable versions in preference order and
// where they came from. The header wins over the query.
func requestedVersions(r *http.Request) ([]string, string) {
	if vs := headerTokens(r.Header.Values(apiVersionHeader)); len(vs) > 0 {
		return vs, apiVersionHeader
	}
	if r.Method == http.MethodGet {
		if vs := headerTokens(r.URL.Query()[apiVersionQuery]); len(vs) > 0 {
			return vs, apiVersionQuery
		}
	}
	return nil, ""
}

// negotiateVersion picks the first requested version this server speaks.
// Asking for nothing gets the current version; "v1" and "1" are the same.
func negotiateVersion(requested []string) (string, bool) {
	if len(requested) == 0 {
		return currentAPIVersion, true
	}
	for _, v := range requested {
		v = strings.TrimPrefix(strings.ToLower(v), "v")
		if slices.Contains(supportedAPIVersions, v) {
			return v, true
		}
	}
	return "", false
}
