package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabelChat is the label of the single data channel the initiator
// opens towards each peer.
const DataChannelLabelChat = "chat"

func chatDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

// validateChatDataChannel checks a remotely opened channel. Chat messages
// must arrive in order and must not be silently discarded in transit.
func validateChatDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelChat {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelChat, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("chat datachannel must be ordered")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable")
	}
	return nil
}
