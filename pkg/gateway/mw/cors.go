package mw

import (
	"net/http"
	"slices"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

// Headers a browser may send. Last-Event-ID is set by EventSource when it
// resumes an observer stream.
var corsAllowedHeaders = []string{
	"Authorization",
	"Content-Type",
	"Last-Event-ID",
	"X-Request-ID",
	apiVersionHeader,
}

var corsExposedHeaders = strings.Join([]string{
	"Location",
	"Retry-After",
	"X-Request-ID",
	apiVersionHeader,
}, ", ")

// corsMethods lists what each route shape accepts from a browser. Observer
// streams are read-only.
func corsMethods(kind requestKind) []string {
	if kind == kindControl {
		return []string{http.MethodGet, http.MethodPost}
	}
	return []string{http.MethodGet}
}

// OriginAllowed reports whether a browser origin is on the allowlist. An
// empty allowlist admits no browser origins.
func OriginAllowed(cfg config.Config, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

// CORS lets allowlisted browser origins drive bridges and follow observer
// streams. Preflights are answered here and never reach handlers; a preflight
// asking for a method the route does not take, or a header outside the
// allowlist, is refused so the browser fails before sending anything.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := OriginAllowed(cfg, origin)

		reqMethod := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
		if r.Method != http.MethodOptions || reqMethod == "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
			}
			if origin != "" {
				w.Header().Add("Vary", "Origin")
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Origin")
		methods := corsMethods(routeKind(r.URL.Path))
		switch {
		case !allowed:
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		case !slices.Contains(methods, reqMethod):
			http.Error(w, "method not allowed for "+routeKind(r.URL.Path).String()+" route", http.StatusForbidden)
			return
		}
		for _, h := range headerTokens(r.Header.Values("Access-Control-Request-Headers")) {
			if !slices.ContainsFunc(corsAllowedHeaders, func(a string) bool { return strings.EqualFold(a, h) }) {
				http.Error(w, "header not allowed: "+h, http.StatusForbidden)
				return
			}
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(append(methods, http.MethodOptions), ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsAllowedHeaders, ", "))
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	})
}
