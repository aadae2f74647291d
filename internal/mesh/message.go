package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var errEmptyMessage = errors.New("empty message")

// Message is the payload written to every open chat channel.
type Message struct {
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SentAt     time.Time `json:"sentAt"`
}

// Peer is a remote participant as seen by the manager.
type Peer struct {
	ID   string
	Name string
	// Open reports whether the chat channel to the peer is open.
	Open bool
}

// decodeMessage parses a received payload. The sender is always the peer
// that owns the channel; a name in the payload only overrides an unknown one.
func decodeMessage(data []byte, from Peer) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Text == "" {
		return Message{}, errEmptyMessage
	}
	msg.SenderID = from.ID
	if from.Name != "" {
		msg.SenderName = from.Name
	}
	return msg, nil
}
