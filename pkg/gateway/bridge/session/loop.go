package session

import (
	"errors"
	"slices"
	"time"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/audio"
	"github.com/vango-go/vai-bridge/pkg/core/collab"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/core/media"
	"github.com/vango-go/vai-bridge/pkg/core/realtime"
)

type commandKind int

const (
	cmdSendText commandKind = iota
	cmdCommit
	cmdForward
)

type command struct {
	kind   commandKind
	text   string
	target Target
	reply  chan error
}

type exit struct {
	state  State
	reason string
	err    error
}

func (s *Session) run() {
	ex := s.loop()
	s.teardown(ex.state, ex.reason, ex.err)
}

func (s *Session) loop() exit {
	var (
		grace  *time.Timer
		graceC <-chan time.Time
	)
	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	defer stopGrace()

	var nestedIn, codeIn <-chan collab.Message
	if s.nestedPort != nil {
		nestedIn = s.nestedPort.Inbound()
	}
	if s.codePort != nil {
		codeIn = s.codePort.Inbound()
	}
	states := s.down.States()

	for {
		select {
		case <-s.stopCh:
			return exit{state: StateClosed, reason: s.reason()}

		case err := <-s.fatal:
			return exit{state: StateError, reason: "relay_failed", err: err}

		case cmd := <-s.cmds:
			cmd.reply <- s.handleCommand(cmd)

		case ev, ok := <-s.upEvents:
			if !ok {
				return exit{state: StateError, reason: "upstream_lost", err: core.NewTransportError("upstream event stream ended", nil)}
			}
			if ex, done := s.handleUpstream(ev); done {
				return ex
			}

		case st := <-states:
			s.record(eventlog.SourceController, EventDownstream, map[string]any{"state": st.String()})
			switch st {
			case media.StateConnected:
				stopGrace()
			case media.StateDisconnected:
				if grace == nil {
					grace = time.NewTimer(s.cfg.DisconnectGrace)
					graceC = grace.C
				}
			case media.StateFailed:
				return exit{state: StateClosed, reason: "downstream_failed"}
			case media.StateClosed:
				return exit{state: StateClosed, reason: "downstream_closed"}
			}

		case <-graceC:
			return exit{state: StateClosed, reason: "downstream_disconnected"}

		case msg := <-nestedIn:
			s.handleCollab(msg)

		case msg := <-codeIn:
			s.handleCollab(msg)

		case callID := <-s.toolTimeouts:
			s.expireTool(callID)
		}
	}
}

func (s *Session) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdSendText:
		if err := s.up.SendText(cmd.text); err != nil {
			return err
		}
		s.record(eventlog.SourceController, EventUserText, map[string]any{"text": cmd.text})
	case cmdCommit:
		if err := s.up.CommitAudioBuffer(); err != nil {
			return err
		}
		s.record(eventlog.SourceController, EventCommit, nil)
	case cmdForward:
		msg := collab.Message{Source: eventlog.SourceController, Type: collab.TypeMessage, Text: cmd.text}
		if err := s.send(cmd.target, msg); err != nil {
			return err
		}
		s.record(eventlog.SourceController, EventForward, map[string]any{
			"target": cmd.target,
			"text":   cmd.text,
		})
	}
	return nil
}

// handleUpstream records one upstream event and reacts to it. It reports
// done when the event ends the session.
func (s *Session) handleUpstream(ev realtime.Event) (exit, bool) {
	switch ev.Type {
	case realtime.EventAudioDelta:
		s.record(eventlog.SourceVoice, ev.Type, map[string]any{
			"item_id":     ev.ItemID,
			"response_id": ev.ResponseID,
			"bytes":       len(ev.Audio),
		})
		return exit{}, false

	case realtime.EventDisconnected:
		payload := map[string]any{}
		if ev.Err != nil {
			payload["error"] = ev.Err.Error()
		}
		s.record(eventlog.SourceVoice, ev.Type, payload)
		if ev.Err != nil {
			return exit{state: StateError, reason: "upstream_disconnected", err: ev.Err}, true
		}
		return exit{state: StateClosed, reason: "upstream_closed"}, true

	case realtime.EventMalformed:
		perr := core.NewUpstreamProtocolError("malformed upstream event").Wrap(ev.Err)
		s.record(eventlog.SourceVoice, EventProtocolError, map[string]any{"error": perr.Error()})
		return exit{}, false
	}

	s.record(eventlog.SourceVoice, ev.Type, ev.Raw)

	switch ev.Type {
	case realtime.EventResponseCreated:
		s.responding = true
	case realtime.EventResponseDone:
		s.responding = false
	case realtime.EventFunctionCallArgumentsDone:
		s.dispatchTool(ev)
	case realtime.EventError:
		msg := "upstream reported an error"
		var cause error
		if ev.Error != nil {
			msg = "upstream error: " + ev.Error.Message
			cause = ev.Error
		}
		return exit{state: StateError, reason: "upstream_error", err: core.NewUpstreamProtocolError(msg).Wrap(cause)}, true
	}
	return exit{}, false
}

func (s *Session) handleCollab(msg collab.Message) {
	typ := msg.Type
	if typ == "" {
		typ = collab.TypeMessage
	}
	switch typ {
	case collab.TypeToolResult:
		if s.resolveTool(msg) {
			return
		}
	case collab.TypeInjectText:
		s.record(msg.Source, typ, msg)
		if err := s.up.SendText(msg.Text); err != nil {
			s.record(eventlog.SourceController, EventCollabRejected, map[string]any{
				"source": msg.Source,
				"type":   typ,
				"error":  err.Error(),
			})
		}
		return
	}
	s.record(msg.Source, typ, msg)
}

// pumpInbound relays browser audio upstream until the session ends.
func (s *Session) pumpInbound() {
	defer s.pumps.Done()
	for {
		f, err := s.inbound.Pop(s.ctx)
		if err != nil {
			return
		}
		if s.paused.Load() {
			continue
		}
		if err := s.up.SendAudio(f); err != nil {
			switch {
			case errors.Is(err, realtime.ErrBackpressure):
				s.metrics.AudioDropped(DirectionInbound, 1)
			case errors.Is(err, core.ErrRateMismatch):
				s.fail(err)
				return
			default:
				// the upstream is gone; the run loop learns why from its events
				return
			}
		}
	}
}

// pumpUpstream consumes upstream events in order. Audio deltas go to the
// outbound queue; everything is then handed to the run loop. The outbound
// queue blocks when full, so pending audio is staged here and flushed as the
// browser drains it, which keeps events flowing in the meantime.
func (s *Session) pumpUpstream() {
	defer s.pumps.Done()
	defer close(s.upEvents)

	events := s.up.Events()
	var staged []audio.Frame
	for {
		var notFull <-chan struct{}
		if len(staged) > 0 {
			notFull = s.outbound.NotFull()
		}

		var err error
		select {
		case <-s.ctx.Done():
			return

		case <-s.clearStaged:
			staged = nil

		case <-notFull:
			if staged, err = s.flush(staged); err != nil {
				s.fail(err)
				return
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case realtime.EventAudioDelta:
				if len(ev.Audio) > 0 {
					staged = append(staged, audio.Frame{Format: s.cfg.Format, PCM: ev.Audio, Origin: audio.OriginUpstream})
					if over := len(staged) - s.cfg.StagedFrames; over > 0 {
						staged = slices.Delete(staged, 0, over)
						s.metrics.AudioDropped(DirectionOutbound, over)
					}
					if staged, err = s.flush(staged); err != nil {
						s.fail(err)
						return
					}
				}
			case realtime.EventSpeechStarted:
				// barge-in: drop assistant audio the browser has not played yet
				if n := len(staged) + s.outbound.Clear(); n > 0 {
					s.metrics.AudioDropped(DirectionOutbound, n)
				}
				staged = nil
			}
			select {
			case s.upEvents <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) flush(staged []audio.Frame) ([]audio.Frame, error) {
	for len(staged) > 0 {
		ok, err := s.outbound.TryPush(staged[0])
		if errors.Is(err, audio.ErrClosed) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		staged[0] = audio.Frame{}
		staged = staged[1:]
	}
	return staged, nil
}

func (s *Session) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
