package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal limiter. Event streams and agent
// sockets hold a stream permit for their lifetime; everything else holds a
// request permit. onLimited, when set, is told the reason for every 429.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, onLimited func(reason string), next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := principal.Resolve(r, cfg).Key
		now := time.Now()

		class := ratelimit.ClassRequest
		if classify(r) != kindControl {
			class = ratelimit.ClassStream
		}
		dec := limiter.Acquire(key, class, now)
		if !dec.Allowed {
			if onLimited != nil {
				onLimited(dec.Reason)
			}
			reqID, _ := RequestIDFrom(r.Context())
			rlErr := core.NewRateLimitError("rate limit exceeded", max(dec.RetryAfter, 1))
			rlErr.Code = dec.Reason
			rlErr.RequestID = reqID
			w.Header().Set("Retry-After", strconv.Itoa(*rlErr.RetryAfter))
			writeJSONError(w, http.StatusTooManyRequests, rlErr)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
