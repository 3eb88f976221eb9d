package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/collab"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
)

// Frame types sent to agents in addition to relayed collab messages.
const (
	agentFrameHello = "hello"
	agentFrameError = "error"
)

// AgentsHandler upgrades GET /v1/agents/{source}/ws?conversation_id= to a
// WebSocket that carries collab messages between an external agent process
// and the conversation's bridge session.
type AgentsHandler struct {
	Config  config.Config
	Manager *bridge.Manager
	Logger  *slog.Logger
	Observe func(kind string) func()
}

func (h AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	source := eventlog.Source(r.PathValue("source"))
	bus, err := h.Manager.Bus(source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		writeError(w, r, core.NewConfigurationErrorWithParam("conversation_id is required", "conversation_id"))
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxAgentMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxAgentMessageBytes)
	}
	if h.Observe != nil {
		defer h.Observe(string(source))()
	}

	peer := bus.Connect(conversationID)
	defer peer.Close()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", conversationID, "source", source, "request_id", reqID)
	logger.Info("agent connected")

	a := &agentConn{
		ctx:          r.Context(),
		conn:         conn,
		peer:         peer,
		replies:      make(chan collab.Message, 8),
		readDone:     make(chan struct{}),
		writeTimeout: h.Config.WriteTimeout,
		pingInterval: h.Config.PingInterval,
		logger:       logger,
	}
	if a.writeTimeout <= 0 {
		a.writeTimeout = 5 * time.Second
	}

	a.reply(collab.Message{
		Type:           agentFrameHello,
		ConversationID: conversationID,
		Source:         source,
		Text:           attachState(bus, conversationID),
	})

	go a.readLoop()
	a.writeLoop()
	logger.Info("agent disconnected")
}

// originAllowed admits agent runtimes, which send no Origin, and browser
// pages on the CORS allowlist.
func (h AgentsHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || mw.OriginAllowed(h.Config, origin)
}

func attachState(bus *collab.Bus, conversationID string) string {
	if bus.Attached(conversationID) {
		return "session_attached"
	}
	return "waiting_for_session"
}

// agentConn owns one agent socket. Only writeLoop writes to conn.
type agentConn struct {
	ctx      context.Context
	conn     *websocket.Conn
	peer     *collab.Peer
	replies  chan collab.Message
	readDone chan struct{}

	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

func (a *agentConn) reply(msg collab.Message) {
	select {
	case a.replies <- msg:
	default:
		a.logger.Warn("dropping agent reply", "type", msg.Type)
	}
}

func (a *agentConn) readLoop() {
	defer close(a.readDone)

	if a.pingInterval > 0 {
		wait := 2 * a.pingInterval
		_ = a.conn.SetReadDeadline(time.Now().Add(wait))
		a.conn.SetPongHandler(func(string) error {
			return a.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug("agent read ended", "error", err)
			}
			return
		}
		if a.pingInterval > 0 {
			_ = a.conn.SetReadDeadline(time.Now().Add(2 * a.pingInterval))
		}
		if messageType != websocket.TextMessage {
			a.reply(errorFrame("frames must be JSON text"))
			continue
		}

		var msg collab.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.reply(errorFrame("invalid JSON frame"))
			continue
		}
		if strings.TrimSpace(msg.Type) == "" {
			a.reply(errorFrame("type is required"))
			continue
		}

		switch err := a.peer.Publish(msg); {
		case err == nil:
		case errors.Is(err, collab.ErrNoSession):
			a.reply(errorFrame("no bridge session is attached to this conversation"))
		case errors.Is(err, collab.ErrBackpressure):
			a.reply(errorFrame("bridge session is not keeping up; message dropped"))
		default:
			a.reply(errorFrame(err.Error()))
		}
	}
}

func (a *agentConn) writeLoop() {
	var ping <-chan time.Time
	if a.pingInterval > 0 {
		ticker := time.NewTicker(a.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-a.readDone:
			return
		case <-a.ctx.Done():
			a.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-a.peer.Done():
			a.close(websocket.CloseNormalClosure, "")
			return
		case msg := <-a.peer.Outbound():
			if err := a.write(msg); err != nil {
				return
			}
		case msg := <-a.replies:
			if err := a.write(msg); err != nil {
				return
			}
		case <-ping:
			if err := a.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(a.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (a *agentConn) write(msg collab.Message) error {
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	if err := a.conn.WriteJSON(msg); err != nil {
		a.logger.Debug("agent write failed", "error", err)
		return err
	}
	return nil
}

func (a *agentConn) close(code int, text string) {
	_ = a.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(a.writeTimeout))
}

func errorFrame(text string) collab.Message {
	return collab.Message{Type: agentFrameError, Text: text, IsError: true, At: time.Now().UTC()}
}
