package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v2"

	"github.com/vango-go/vai-bridge/pkg/core/realtime"
)

// Profile describes the voice agent every bridge session runs.
type Profile struct {
	AgentName          string                  `yaml:"agent_name"`
	Instructions       string                  `yaml:"instructions"`
	Voice              string                  `yaml:"voice"`
	Model              string                  `yaml:"model"`
	TranscriptionModel string                  `yaml:"transcription_model"`
	Temperature        float64                 `yaml:"temperature"`
	TurnDetection      *realtime.TurnDetection `yaml:"turn_detection"`
}

const defaultInstructions = "You are a concise, friendly voice assistant. " +
	"Hand multi-step tasks to the agent team with forward_to_nested and coding requests " +
	"to the code agent with forward_to_code, then summarize their answers out loud."

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() Profile {
	td := realtime.DefaultTurnDetection()
	return Profile{
		AgentName:          "assistant",
		Instructions:       defaultInstructions,
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
		Temperature:        0.8,
		TurnDetection:      &td,
	}
}

// LoadProfile reads a YAML agent profile. An empty path yields the default
// profile; fields missing from the file keep their defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	var file Profile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if file.AgentName != "" {
		p.AgentName = file.AgentName
	}
	if file.Instructions != "" {
		p.Instructions = file.Instructions
	}
	if file.Voice != "" {
		p.Voice = file.Voice
	}
	if file.Model != "" {
		p.Model = file.Model
	}
	if file.TranscriptionModel != "" {
		p.TranscriptionModel = file.TranscriptionModel
	}
	if file.Temperature != 0 {
		p.Temperature = file.Temperature
	}
	if file.TurnDetection != nil {
		p.TurnDetection = file.TurnDetection
	}
	if err := p.SessionConfig().Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// SessionConfig converts the profile into the upstream session settings.
func (p Profile) SessionConfig() realtime.SessionConfig {
	cfg := realtime.SessionConfig{
		Instructions:       p.Instructions,
		Voice:              p.Voice,
		TranscriptionModel: p.TranscriptionModel,
		Temperature:        p.Temperature,
	}
	if p.TurnDetection != nil {
		cfg.TurnDetection = *p.TurnDetection
	} else {
		cfg.TurnDetection = realtime.DefaultTurnDetection()
	}
	return cfg
}
