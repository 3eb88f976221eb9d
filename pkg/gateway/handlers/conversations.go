package handlers

import (
	"net/http"
	"strconv"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/limits"
)

const maxConversationPage = 500

type ConversationsHandler struct {
	Config  config.Config
	Manager *bridge.Manager
}

type createConversationRequest struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Voice    string         `json:"voice,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Create handles POST /v1/conversations.
func (h ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, true, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv := eventlog.Conversation{
		ID:       req.ID,
		Name:     req.Name,
		Voice:    req.Voice,
		Metadata: req.Metadata,
	}
	if err := limits.ValidateConversation(conv, h.Config); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := h.Manager.CreateConversation(r.Context(), conv)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/conversations/"+conv.ID)
	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /v1/conversations?limit=N, newest activity first.
func (h ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxConversationPage {
			writeError(w, r, core.NewConfigurationErrorWithParam("limit must be between 1 and 500", "limit"))
			return
		}
		limit = n
	}
	convs, err := h.Manager.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []eventlog.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// Get handles GET /v1/conversations/{id}.
func (h ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Manager.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
