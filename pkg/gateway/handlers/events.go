package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/sse"
)

// SSE event names.
const (
	sseEventRecord = "record"
	sseEventPing   = "ping"
	sseEventError  = "error"
)

// EventsHandler streams a conversation's event log over SSE: stored records
// after the cursor first, then live ones.
type EventsHandler struct {
	Config  config.Config
	Manager *bridge.Manager
	Logger  *slog.Logger

	// Observe, when set, is called for every attached stream and returns its
	// release.
	Observe func(kind string) func()
}

type pingEvent struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

type streamErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServeHTTP handles GET /v1/conversations/{id}/events.
func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := cursorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		writeError(w, r, core.NewAPIError("streaming unsupported"))
		return
	}

	sub, err := h.Manager.Subscribe(r.Context(), id, after)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	if h.Observe != nil {
		defer h.Observe("sse")()
	}

	sw.Start()

	var ping <-chan time.Time
	if h.Config.PingInterval > 0 {
		ticker := time.NewTicker(h.Config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case t := <-ping:
			if err := sw.Send(sseEventPing, pingEvent{Type: "ping", At: t.UTC()}); err != nil {
				return
			}
		case rec, ok := <-sub.Records():
			if !ok {
				h.streamEnded(sw, r, id, sub.Err())
				return
			}
			if err := sw.SendWithID(strconv.FormatInt(rec.Seq, 10), sseEventRecord, rec); err != nil {
				return
			}
		}
	}
}

func (h EventsHandler) streamEnded(sw *sse.Writer, r *http.Request, id string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, eventlog.ErrSlowSubscriber) {
		_ = sw.Send(sseEventError, streamErrorEvent{Type: "slow_subscriber", Message: "observer fell behind; reconnect with Last-Event-ID"})
	}
	if h.Logger != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		h.Logger.Info("observer stream ended", "request_id", reqID, "conversation_id", id, "error", err)
	}
}

// cursorFrom reads the replay cursor from ?after, falling back to the
// Last-Event-ID header sent by reconnecting EventSource clients.
func cursorFrom(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	param := "after"
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
		param = "Last-Event-ID"
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, core.NewConfigurationErrorWithParam(param+" must be a non-negative integer", param)
	}
	return n, nil
}
