package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/core"
)

// Server event types the bridge understands. Anything else is passed through
// with its raw payload.
const (
	EventSessionCreated             = "session.created"
	EventSessionUpdated             = "session.updated"
	EventSpeechStarted              = "input_audio_buffer.speech_started"
	EventSpeechStopped              = "input_audio_buffer.speech_stopped"
	EventInputCommitted             = "input_audio_buffer.committed"
	EventInputTranscriptDelta       = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptDone        = "conversation.item.input_audio_transcription.completed"
	EventAudioDelta                 = "response.audio.delta"
	EventAudioDone                  = "response.audio.done"
	EventTranscriptDelta            = "response.audio_transcript.delta"
	EventTranscriptDone             = "response.audio_transcript.done"
	EventFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone  = "response.function_call_arguments.done"
	EventResponseCreated            = "response.created"
	EventResponseDone               = "response.done"
	EventRateLimitsUpdated          = "rate_limits.updated"
	EventError                      = "error"

	// EventDisconnected is synthesized by the client as the last event on the
	// stream. Err is nil for a normal close.
	EventDisconnected = "bridge.upstream_disconnected"
	// EventMalformed is synthesized for frames that fail to decode.
	EventMalformed = "bridge.upstream_malformed"
)

// GA endpoints renamed a few events; normalize them to the names above.
var eventAliases = map[string]string{
	"response.output_audio.delta":            EventAudioDelta,
	"response.output_audio.done":             EventAudioDone,
	"response.output_audio_transcript.delta": EventTranscriptDelta,
	"response.output_audio_transcript.done":  EventTranscriptDone,
}

// Event is one decoded server event.
type Event struct {
	Type       string
	EventID    string
	ItemID     string
	ResponseID string

	// Delta carries transcript or argument deltas.
	Delta      string
	Transcript string
	// Audio is decoded PCM16 from an audio delta.
	Audio []byte

	CallID    string
	Name      string
	Arguments string

	Error *ProviderError
	// Err is set on EventDisconnected and EventMalformed.
	Err error

	Raw json.RawMessage
}

// ProviderError is the body of an "error" server event.
type ProviderError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type serverEvent struct {
	Type       string         `json:"type"`
	EventID    string         `json:"event_id"`
	ItemID     string         `json:"item_id"`
	ResponseID string         `json:"response_id"`
	Delta      string         `json:"delta"`
	Transcript string         `json:"transcript"`
	CallID     string         `json:"call_id"`
	Name       string         `json:"name"`
	Arguments  string         `json:"arguments"`
	Error      *ProviderError `json:"error"`
}

// DecodeEvent parses one server frame.
func DecodeEvent(data []byte) (Event, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, core.NewUpstreamProtocolError("invalid JSON from upstream").Wrap(err)
	}
	typ := strings.TrimSpace(raw.Type)
	if typ == "" {
		return Event{}, core.NewUpstreamProtocolError("upstream event missing type")
	}
	if alias, ok := eventAliases[typ]; ok {
		typ = alias
	}

	ev := Event{
		Type:       typ,
		EventID:    raw.EventID,
		ItemID:     raw.ItemID,
		ResponseID: raw.ResponseID,
		Delta:      raw.Delta,
		Transcript: raw.Transcript,
		CallID:     raw.CallID,
		Name:       raw.Name,
		Arguments:  raw.Arguments,
		Error:      raw.Error,
		Raw:        json.RawMessage(append([]byte(nil), data...)),
	}

	switch typ {
	case EventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return Event{}, core.NewUpstreamProtocolError("audio delta is not valid base64").Wrap(err)
		}
		ev.Audio = pcm
		ev.Delta = ""
		ev.Raw = nil
	case EventFunctionCallArgumentsDone:
		if raw.CallID == "" {
			return Event{}, core.NewUpstreamProtocolError("function call arguments done without call_id")
		}
	case EventError:
		if ev.Error == nil {
			ev.Error = &ProviderError{Type: "error", Message: "upstream reported an error"}
		}
	}
	return ev, nil
}

// TurnDetection configures provider-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type" yaml:"type"`
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms" yaml:"silence_duration_ms"`
}

// TurnDetectionNone disables provider VAD; turns end on CommitAudioBuffer.
const TurnDetectionNone = "none"

// DefaultTurnDetection mirrors the provider's server VAD defaults.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
	}
}

// Tool is a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is applied with session.update during Connect.
type SessionConfig struct {
	Instructions       string
	Voice              string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	TurnDetection      TurnDetection
	Tools              []Tool
	Temperature        float64
}

// Validate reports configuration errors before any network I/O.
func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.Voice) == "" {
		return core.NewConfigurationErrorWithParam("voice is required", "voice")
	}
	td := c.TurnDetection
	switch td.Type {
	case TurnDetectionNone:
		return nil
	case "server_vad", "semantic_vad":
	default:
		return core.NewConfigurationErrorWithParam(fmt.Sprintf("unsupported turn detection type %q", td.Type), "turn_detection.type")
	}
	if td.Threshold < 0 || td.Threshold > 1 {
		return core.NewConfigurationErrorWithParam("turn detection threshold must be between 0 and 1", "turn_detection.threshold")
	}
	if td.PrefixPaddingMS < 0 {
		return core.NewConfigurationErrorWithParam("prefix_padding_ms must be >= 0", "turn_detection.prefix_padding_ms")
	}
	if td.SilenceDurationMS < 0 {
		return core.NewConfigurationErrorWithParam("silence_duration_ms must be >= 0", "turn_detection.silence_duration_ms")
	}
	return nil
}

type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string                 `json:"modalities"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection"`
	Tools                   []Tool                   `json:"tools,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

func encodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	p := sessionPayload{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  orDefault(cfg.InputAudioFormat, "pcm16"),
		OutputAudioFormat: orDefault(cfg.OutputAudioFormat, "pcm16"),
		Tools:             cfg.Tools,
		Temperature:       cfg.Temperature,
	}
	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &inputAudioTranscription{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection.Type != TurnDetectionNone {
		td := cfg.TurnDetection
		p.TurnDetection = &td
	}
	if len(cfg.Tools) > 0 {
		p.ToolChoice = "auto"
	}
	return json.Marshal(sessionUpdate{Type: "session.update", Session: p})
}

func encodeAudioAppend(pcm []byte) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func encodeUserText(text string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]string{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func encodeToolResult(callID, output string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]string{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func encodeSimple(typ string) []byte {
	b, _ := json.Marshal(map[string]string{"type": typ})
	return b
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
