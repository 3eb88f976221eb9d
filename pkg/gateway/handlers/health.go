package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by the event store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Store     Pinger
	Sessions  func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		AuthMode      string   `json:"auth_mode"`
		DBDriver      string   `json:"db_driver"`
		LimitsEnabled bool     `json:"limits_enabled"`
		LiveSessions  int      `json:"live_sessions"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "event store unreachable")
		}
	}

	live := 0
	if h.Sessions != nil {
		live = h.Sessions()
	}
	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		(h.Config.LimitMaxConcurrentRequests > 0) ||
		(h.Config.LimitMaxConcurrentStreams > 0)

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:            ok,
		Draining:      draining,
		AuthMode:      string(h.Config.AuthMode),
		DBDriver:      h.Config.DBDriver,
		LimitsEnabled: limitsEnabled,
		LiveSessions:  live,
		Issues:        issues,
	})
}
