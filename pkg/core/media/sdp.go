package media

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/vango-go/vai-bridge/pkg/core"
)

// SessionDescription is the JSON shape browsers produce from
// RTCPeerConnection.localDescription.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CheckOffer verifies offer is an SDP offer with an audio line that can carry
// PCMU.
func CheckOffer(offer SessionDescription) error {
	if offer.Type != "" && offer.Type != webrtc.SDPTypeOffer.String() {
		return core.NewConfigurationErrorWithParam("session description must be an offer", "offer.type")
	}
	if strings.TrimSpace(offer.SDP) == "" {
		return core.NewConfigurationErrorWithParam("offer sdp is required", "offer.sdp")
	}

	parsed, err := (&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}).Unmarshal()
	if err != nil {
		return core.NewConfigurationErrorWithParam("malformed offer sdp", "offer.sdp").Wrap(err)
	}

	sawAudio := false
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		sawAudio = true
		for _, attr := range md.Attributes {
			if attr.Key == "rtpmap" && strings.Contains(strings.ToUpper(attr.Value), "PCMU/8000") {
				return nil
			}
		}
	}
	if !sawAudio {
		return core.ErrIncompatibleOffer
	}
	return core.ErrIncompatibleOffer.WithMessage("offer audio line does not support PCMU")
}
