package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/collab"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
)

const (
	ToolForwardNested = "forward_to_nested"
	ToolForwardCode   = "forward_to_code"
	ToolPause         = "pause"
	ToolReset         = "reset"
)

const (
	outcomeOK          = "ok"
	outcomeError       = "error"
	outcomeTimeout     = "timeout"
	outcomeUnavailable = "unavailable"
	outcomeUnknown     = "unknown_tool"
)

// Target names an external collaborator channel.
type Target string

const (
	TargetNested Target = "nested"
	TargetCode   Target = "code"
)

func (t Target) Valid() bool {
	return t == TargetNested || t == TargetCode
}

func (t Target) label() string {
	if t == TargetCode {
		return "code agent"
	}
	return "nested agent team"
}

// DefaultTools is the fixed tool set offered to the model.
func DefaultTools() []realtime.Tool {
	textParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "What to hand over, in plain language."},
		},
		"required": []string{"text"},
	}
	return []realtime.Tool{
		{
			Type:        "function",
			Name:        ToolForwardNested,
			Description: "Hand a task to the multi-agent task team and wait for its answer.",
			Parameters:  textParam,
		},
		{
			Type:        "function",
			Name:        ToolForwardCode,
			Description: "Hand a coding request to the code-editing agent and wait for its answer.",
			Parameters:  textParam,
		},
		{
			Type:        "function",
			Name:        ToolPause,
			Description: "Stop (or resume) listening to the user's microphone.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"paused": map[string]any{"type": "boolean"},
				},
			},
		},
		{
			Type:        "function",
			Name:        ToolReset,
			Description: "Discard pending audio and cancel the current response.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

type pendingCall struct {
	name   string
	target Target
	timer  *time.Timer
}

func (s *Session) port(t Target) *collab.Port {
	if t == TargetCode {
		return s.codePort
	}
	return s.nestedPort
}

func (s *Session) send(t Target, msg collab.Message) error {
	port := s.port(t)
	if port == nil {
		return core.ErrCollaboratorOffline.WithMessage("no %s is connected", t.label())
	}
	if err := port.Send(msg); err != nil {
		return core.ErrCollaboratorOffline.WithMessage("no %s is connected", t.label()).Wrap(err)
	}
	return nil
}

// dispatchTool turns a completed function call into a Tool Invocation.
// Forwarding tools resolve asynchronously; the rest resolve immediately.
func (s *Session) dispatchTool(ev realtime.Event) {
	switch ev.Name {
	case ToolForwardNested:
		s.forwardTool(ev, TargetNested)
	case ToolForwardCode:
		s.forwardTool(ev, TargetCode)
	case ToolPause:
		var args struct {
			Paused *bool `json:"paused"`
		}
		if strings.TrimSpace(ev.Arguments) != "" {
			if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
				s.completeTool(ev.CallID, ev.Name, errorOutput("invalid arguments: "+err.Error()), outcomeError)
				return
			}
		}
		paused := args.Paused == nil || *args.Paused
		s.paused.Store(paused)
		s.record(eventlog.SourceController, EventPaused, map[string]any{"paused": paused, "call_id": ev.CallID})
		s.completeTool(ev.CallID, ev.Name, jsonOutput(map[string]any{"paused": paused}), outcomeOK)
	case ToolReset:
		s.reset()
		s.completeTool(ev.CallID, ev.Name, jsonOutput(map[string]any{"ok": true}), outcomeOK)
	default:
		perr := core.NewUpstreamProtocolError(fmt.Sprintf("unknown tool %q", ev.Name))
		s.record(eventlog.SourceController, EventProtocolError, map[string]any{"error": perr.Error(), "call_id": ev.CallID})
		s.completeTool(ev.CallID, ev.Name, errorOutput(perr.Message), outcomeUnknown)
	}
}

func (s *Session) forwardTool(ev realtime.Event, target Target) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil || strings.TrimSpace(args.Text) == "" {
		s.completeTool(ev.CallID, ev.Name, errorOutput("text is required"), outcomeError)
		return
	}

	msg := collab.Message{
		Source:  eventlog.SourceVoice,
		Type:    collab.TypeTask,
		CallID:  ev.CallID,
		Text:    args.Text,
		Payload: json.RawMessage(ev.Arguments),
	}
	if err := s.send(target, msg); err != nil {
		s.completeTool(ev.CallID, ev.Name, errorOutput(fmt.Sprintf("the %s is not available", target.label())), outcomeUnavailable)
		return
	}
	s.record(eventlog.SourceVoice, EventForward, map[string]any{
		"target":  target,
		"call_id": ev.CallID,
		"text":    args.Text,
	})

	callID := ev.CallID
	timer := time.AfterFunc(s.cfg.ToolTimeout, func() {
		select {
		case s.toolTimeouts <- callID:
		case <-s.ctx.Done():
		}
	})
	s.pending[callID] = &pendingCall{name: ev.Name, target: target, timer: timer}
}

// resolveTool completes a pending forward with a collaborator's result. It
// reports false when the call id is not pending.
func (s *Session) resolveTool(msg collab.Message) bool {
	call, ok := s.pending[msg.CallID]
	if !ok {
		return false
	}
	delete(s.pending, msg.CallID)
	call.timer.Stop()

	s.record(msg.Source, collab.TypeToolResult, msg)

	output := msg.Text
	if output == "" && len(msg.Payload) > 0 {
		output = string(msg.Payload)
	}
	outcome := outcomeOK
	if msg.IsError {
		output = errorOutput(output)
		outcome = outcomeError
	}
	s.completeTool(msg.CallID, call.name, output, outcome)
	return true
}

func (s *Session) expireTool(callID string) {
	call, ok := s.pending[callID]
	if !ok {
		return
	}
	delete(s.pending, callID)
	msg := fmt.Sprintf("timed out after %s waiting for the %s", s.cfg.ToolTimeout, call.target.label())
	s.completeTool(callID, call.name, errorOutput(msg), outcomeTimeout)
}

// completeTool sends the result upstream and records it.
func (s *Session) completeTool(callID, name, output, outcome string) {
	payload := map[string]any{
		"call_id": callID,
		"name":    name,
		"output":  output,
		"outcome": outcome,
	}
	if err := s.up.SendToolResult(callID, output); err != nil {
		payload["send_error"] = err.Error()
		s.logger.Warn("tool result not delivered upstream", "call_id", callID, "tool", name, "error", err)
	}
	s.metrics.ToolCall(name, outcome)
	s.record(eventlog.SourceController, EventToolResult, payload)
}

// reset drains both directions, clears uncommitted input upstream and
// cancels the in-flight response.
func (s *Session) reset() {
	in := s.inbound.Clear()
	out := s.outbound.Clear()
	select {
	case s.clearStaged <- struct{}{}:
	default:
	}
	if err := s.up.ClearAudioBuffer(); err != nil {
		s.logger.Warn("clear upstream audio buffer failed", "error", err)
	}
	if s.responding {
		if err := s.up.CancelResponse(); err != nil {
			s.logger.Warn("cancel upstream response failed", "error", err)
		}
	}
	s.record(eventlog.SourceController, EventReset, map[string]any{
		"discarded_inbound":  in,
		"discarded_outbound": out,
	})
}

func jsonOutput(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return errorOutput(err.Error())
	}
	return string(b)
}

func errorOutput(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
