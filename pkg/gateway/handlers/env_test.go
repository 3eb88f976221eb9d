package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/bridgetest"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

type testEnv struct {
	cfg  config.Config
	mgr  *bridge.Manager
	log  *eventlog.Log
	pool *bridgetest.Pool
	mux  *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := bridgetest.NewStore(t)
	log := eventlog.New(store, eventlog.Options{SubscriberBuffer: 64})
	pool := &bridgetest.Pool{}
	mgr, err := bridge.New(bridge.Options{
		Store:         store,
		Log:           log,
		NewUpstream:   pool.NewUpstream,
		NewDownstream: pool.NewDownstream,
		Defaults: session.Config{
			Realtime:        realtime.SessionConfig{Voice: "alloy"},
			ConnectTimeout:  time.Second,
			ToolTimeout:     time.Second,
			DisconnectGrace: time.Second,
		},
		AllowedVoices: []string{"alloy", "verse"},
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	cfg := config.Config{
		MaxBodyBytes:         64 << 10,
		MaxTextBytes:         256,
		PingInterval:         50 * time.Millisecond,
		WriteTimeout:         time.Second,
		MaxAgentMessageBytes: 64 << 10,
	}
	env := &testEnv{cfg: cfg, mgr: mgr, log: log, pool: pool, mux: http.NewServeMux()}

	bridges := BridgesHandler{Config: cfg, Manager: mgr}
	convs := ConversationsHandler{Config: cfg, Manager: mgr}
	env.mux.HandleFunc("POST /v1/bridges", bridges.Create)
	env.mux.HandleFunc("GET /v1/bridges", bridges.List)
	env.mux.HandleFunc("GET /v1/bridges/{id}", bridges.Get)
	env.mux.HandleFunc("POST /v1/bridges/{id}/stop", bridges.Stop)
	env.mux.HandleFunc("POST /v1/bridges/{id}/force-stop", bridges.ForceStop)
	env.mux.HandleFunc("POST /v1/bridges/{id}/text", bridges.Text)
	env.mux.HandleFunc("POST /v1/bridges/{id}/commit", bridges.Commit)
	env.mux.HandleFunc("POST /v1/bridges/{id}/nested", bridges.Forward(session.TargetNested))
	env.mux.HandleFunc("POST /v1/bridges/{id}/code", bridges.Forward(session.TargetCode))
	env.mux.HandleFunc("POST /v1/conversations", convs.Create)
	env.mux.HandleFunc("GET /v1/conversations", convs.List)
	env.mux.HandleFunc("GET /v1/conversations/{id}", convs.Get)
	env.mux.Handle("GET /v1/conversations/{id}/events", EventsHandler{Config: cfg, Manager: mgr})
	env.mux.Handle("GET /v1/agents/{source}/ws", AgentsHandler{Config: cfg, Manager: mgr})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createBridge(t *testing.T, id string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/bridges", map[string]any{
		"conversation_id": id,
		"offer":           bridgetest.Offer(),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create bridge status=%d body=%s", rr.Code, rr.Body.String())
	}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func bridgeRejected() error {
	return core.ErrUpstreamRejected.WithMessage("invalid api key")
}
