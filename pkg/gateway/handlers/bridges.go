package handlers

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/limits"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

// BridgesHandler serves the bridge control surface under /v1/bridges.
type BridgesHandler struct {
	Config  config.Config
	Manager *bridge.Manager
	Logger  *slog.Logger
}

type bridgeAck struct {
	ConversationID string        `json:"conversation_id"`
	State          session.State `json:"state"`
}

type textRequest struct {
	Text string `json:"text"`
}

// Create handles POST /v1/bridges.
func (h BridgesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req bridge.CreateRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, false, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := limits.ValidateCreateRequest(&req, h.Config); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Manager.Create(r.Context(), req)
	if err != nil {
		if h.Logger != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			h.Logger.Info("bridge create rejected",
				"request_id", reqID,
				"conversation_id", req.ConversationID,
				"principal", principal.Resolve(r, h.Config),
				"error", err,
			)
		}
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/bridges/"+res.ConversationID)
	writeJSON(w, http.StatusCreated, res)
}

// List handles GET /v1/bridges.
func (h BridgesHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bridges": h.Manager.Live()})
}

// Get handles GET /v1/bridges/{id}.
func (h BridgesHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.Manager.Info(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Stop handles POST /v1/bridges/{id}/stop.
func (h BridgesHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.Stop(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bridgeAck{ConversationID: id, State: session.StateStopping})
}

// ForceStop handles POST /v1/bridges/{id}/force-stop. It always succeeds.
func (h BridgesHandler) ForceStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.Manager.ForceStop(id)
	writeJSON(w, http.StatusOK, bridgeAck{ConversationID: id, State: session.StateStopping})
}

// Text handles POST /v1/bridges/{id}/text.
func (h BridgesHandler) Text(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := h.readText(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Manager.SendText(id, text); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bridgeAck{ConversationID: id, State: session.StateActive})
}

// Commit handles POST /v1/bridges/{id}/commit.
func (h BridgesHandler) Commit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.Commit(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bridgeAck{ConversationID: id, State: session.StateActive})
}

// Forward returns the handler for POST /v1/bridges/{id}/nested and /code.
func (h BridgesHandler) Forward(target session.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		text, err := h.readText(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := h.Manager.Forward(id, target, text); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, bridgeAck{ConversationID: id, State: session.StateActive})
	}
}

func (h BridgesHandler) readText(w http.ResponseWriter, r *http.Request) (string, error) {
	var req textRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, false, &req); err != nil {
		return "", err
	}
	if err := limits.ValidateText(req.Text, h.Config); err != nil {
		return "", err
	}
	return req.Text, nil
}
