// Package principal identifies who is calling, for rate limiting and logs.
package principal

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/auth"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the API key or client IP. It must not be logged.
	Raw string
	// Key is the hashed identifier used by the limiter.
	Key string
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// LogValue keeps Raw out of structured logs.
func (p Resolved) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(p.Kind)),
		slog.String("key", p.Key),
	)
}

// Resolve prefers the authenticated API key and falls back to the client IP.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}

	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{
			Kind: KindAPIKey,
			Raw:  p.APIKey,
			Key:  ratelimit.PrincipalKeyFromAPIKey(p.APIKey),
		}
	}

	addr, ok := clientAddr(r, cfg.TrustProxyHeaders)
	if !ok {
		return anonymous
	}
	ip := addr.String()
	return Resolved{
		Kind: KindIP,
		Raw:  ip,
		Key:  ratelimit.PrincipalKeyFromIP(ip),
	}
}

func clientAddr(r *http.Request, trustProxyHeaders bool) (netip.Addr, bool) {
	if trustProxyHeaders {
		candidates := []string{
			r.Header.Get("CF-Connecting-IP"),
			r.Header.Get("X-Real-IP"),
			forwardedFor(r.Header.Get("Forwarded")),
			firstCSV(r.Header.Get("X-Forwarded-For")),
		}
		for _, c := range candidates {
			if addr, ok := parseAddr(c); ok {
				return addr, true
			}
		}
	}
	return parseAddr(r.RemoteAddr)
}

// forwardedFor extracts the first for= node of an RFC 7239 Forwarded header.
func forwardedFor(raw string) string {
	first := firstCSV(raw)
	for _, pair := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(k, "for") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func firstCSV(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first)
}

// parseAddr accepts "ip", "ip:port" and "[v6]:port".
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
