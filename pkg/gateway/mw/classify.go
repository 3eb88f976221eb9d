package mw

import (
	"net/http"
	"slices"
	"strings"
)

type requestKind int

const (
	kindControl requestKind = iota
	kindEventStream
	kindAgentSocket
)

func (k requestKind) String() string {
	switch k {
	case kindEventStream:
		return "event_stream"
	case kindAgentSocket:
		return "agent_socket"
	default:
		return "control"
	}
}

// routeKind classifies by path alone, which is all a CORS preflight carries.
func routeKind(path string) requestKind {
	switch {
	case strings.HasPrefix(path, "/v1/agents/") && strings.HasSuffix(path, "/ws"):
		return kindAgentSocket
	case strings.HasPrefix(path, "/v1/conversations/") && strings.HasSuffix(path, "/events"):
		return kindEventStream
	default:
		return kindControl
	}
}

// classify sorts a request into the shapes the bridge serves. Only GETs can
// be long-lived.
func classify(r *http.Request) requestKind {
	if r.Method != http.MethodGet {
		return kindControl
	}
	if isWebSocketUpgrade(r) {
		return kindAgentSocket
	}
	if routeKind(r.URL.Path) == kindEventStream || slices.Contains(headerTokens(r.Header.Values("Accept")), "text/event-stream") {
		return kindEventStream
	}
	return kindControl
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	upgrade := slices.ContainsFunc(headerTokens(r.Header.Values("Connection")), func(t string) bool {
		return strings.EqualFold(t, "upgrade")
	})
	return upgrade && strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

// headerTokens splits comma separated header values, dropping blanks and
// any ";q=" style parameters.
func headerTokens(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			token, _, _ := strings.Cut(part, ";")
			if token = strings.TrimSpace(token); token != "" {
				out = append(out, token)
			}
		}
	}
	return out
}
