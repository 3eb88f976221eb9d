package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
)

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func readyBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{
		Config:    config.Config{AuthMode: config.AuthModeOptional, DBDriver: "sqlite"},
		Lifecycle: &lifecycle.Lifecycle{},
		Store:     pingerFunc(func(context.Context) error { return nil }),
		Sessions:  func() int { return 3 },
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := readyBody(t, rr)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true: %v", resp)
	}
	if n, _ := resp["live_sessions"].(float64); n != 3 {
		t.Fatalf("live_sessions=%v", resp["live_sessions"])
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	draining := &lifecycle.Lifecycle{}
	draining.SetDraining(true)

	cases := []struct {
		name string
		h    ReadyHandler
	}{
		{"draining", ReadyHandler{Lifecycle: draining}},
		{"required auth without keys", ReadyHandler{Config: config.Config{AuthMode: config.AuthModeRequired}}},
		{"store down", ReadyHandler{Store: pingerFunc(func(context.Context) error { return errors.New("connection refused") })}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tc.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != http.StatusServiceUnavailable {
				t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
			}
			if ok, _ := readyBody(t, rr)["ok"].(bool); ok {
				t.Fatal("expected ok=false")
			}
		})
	}
}

func TestHealthAndNotFound(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if body := decodeError(t, rr); body.Error.Type != "not_found_error" {
		t.Fatalf("type=%q", body.Error.Type)
	}
}
