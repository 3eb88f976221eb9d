package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/bridgetest"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := bridgetest.NewStore(t)
	pool := &bridgetest.Pool{}
	m := metrics.New("")
	mgr, err := bridge.New(bridge.Options{
		Store:         store,
		Log:           eventlog.New(store, eventlog.Options{}),
		NewUpstream:   pool.NewUpstream,
		NewDownstream: pool.NewDownstream,
		Defaults: session.Config{
			Realtime:        realtime.SessionConfig{Voice: "alloy"},
			ConnectTimeout:  time.Second,
			ToolTimeout:     time.Second,
			DisconnectGrace: time.Second,
		},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	s := New(cfg, Options{Manager: mgr, Store: store, Metrics: m}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func baseConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},
		MaxBodyBytes:       64 << 10,
		PingInterval:       time.Second,
		WriteTimeout:       time.Second,
	}
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t, baseConfig())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID")
	}
}

func TestServer_BridgeLifecycleThroughMiddleware(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"sk_test": {}}
	s := newTestServer(t, cfg)
	h := s.Handler()

	do := func(method, path, body string, authed bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if authed {
			req.Header.Set("Authorization", "Bearer sk_test")
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := do(http.MethodGet, "/v1/bridges", "", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d", rr.Code)
	}

	offer := `{"conversation_id":"c1","offer":{"type":"offer","sdp":` + jsonString(bridgetest.OfferSDP) + `}}`
	if rr := do(http.MethodPost, "/v1/bridges", offer, true); rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodGet, "/v1/bridges", "", true); !strings.Contains(rr.Body.String(), `"conversation_id":"c1"`) {
		t.Fatalf("list body=%s", rr.Body.String())
	}
	if rr := do(http.MethodPost, "/v1/bridges/c1/stop", "", true); rr.Code != http.StatusOK {
		t.Fatalf("stop status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodGet, "/v1/conversations/c1", "", true); rr.Code != http.StatusOK {
		t.Fatalf("conversation status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestServer_MetricsAndHealthArePublic(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"sk_test": {}}
	s := newTestServer(t, cfg)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestServer_DrainingFailsReadinessAndRejectsCreates(t *testing.T) {
	s := newTestServer(t, baseConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !s.IsDraining() {
		t.Fatal("expected draining")
	}
	if err := s.BaseContext(nil).Err(); err == nil {
		t.Fatal("expected base context to be cancelled on drain")
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d", rr.Code)
	}

	offer := `{"offer":{"type":"offer","sdp":` + jsonString(bridgetest.OfferSDP) + `}}`
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/bridges", strings.NewReader(offer)))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), `"code":"draining"`) {
		t.Fatalf("create while draining status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func jsonString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", `\r`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
