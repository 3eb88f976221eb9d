package eventlog

import (
	"encoding/json"
	"time"
)

// Source tags who produced an event.
type Source string

const (
	SourceVoice       Source = "voice"
	SourceController  Source = "controller"
	SourceNestedAgent Source = "nested_agent"
	SourceClaudeCode  Source = "claude_code"
)

func (s Source) Valid() bool {
	switch s {
	case SourceVoice, SourceController, SourceNestedAgent, SourceClaudeCode:
		return true
	default:
		return false
	}
}

// Record is one immutable entry of a conversation's history. Seq is assigned
// by the Log and is scoped to the conversation.
type Record struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	At             time.Time       `json:"at"`
	Source         Source          `json:"source"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Conversation is the durable identity a bridge session is attached to.
type Conversation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Voice     string         `json:"voice,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
