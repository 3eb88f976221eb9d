package limits

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/bridge"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

// ValidateCreateRequest checks a bridge create request against the
// configured field budgets. The body size itself is capped by the decoder.
func ValidateCreateRequest(req *bridge.CreateRequest, cfg config.Config) error {
	if req == nil {
		return core.NewConfigurationError("request is required")
	}
	if strings.TrimSpace(req.Offer.SDP) == "" {
		return core.NewConfigurationErrorWithParam("offer.sdp is required", "offer.sdp")
	}
	if err := checkBytes("instructions", req.Instructions, cfg.MaxInstructionsBytes); err != nil {
		return err
	}
	return checkBytes("name", req.Name, cfg.MaxTextBytes)
}

// ValidateText checks text injected into a live bridge or forwarded to a
// collaborator.
func ValidateText(text string, cfg config.Config) error {
	if strings.TrimSpace(text) == "" {
		return core.NewConfigurationErrorWithParam("text is required", "text")
	}
	return checkBytes("text", text, cfg.MaxTextBytes)
}

// ValidateConversation checks a conversation before it is persisted.
func ValidateConversation(c eventlog.Conversation, cfg config.Config) error {
	if err := checkBytes("name", c.Name, cfg.MaxTextBytes); err != nil {
		return err
	}
	if cfg.MaxMetadataBytes <= 0 || len(c.Metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(c.Metadata)
	if err != nil {
		return core.NewConfigurationErrorWithParam("metadata must be JSON encodable", "metadata")
	}
	if n := int64(len(raw)); n > cfg.MaxMetadataBytes {
		return core.NewConfigurationErrorWithParam(
			fmt.Sprintf("metadata bytes %d exceeds limit %d", n, cfg.MaxMetadataBytes),
			"metadata",
		)
	}
	return nil
}

func checkBytes(param, s string, limit int64) error {
	if limit <= 0 {
		return nil
	}
	if n := int64(len(s)); n > limit {
		return core.NewConfigurationErrorWithParam(
			fmt.Sprintf("%s bytes %d exceeds limit %d", param, n, limit),
			param,
		)
	}
	return nil
}
