package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeAnnounce advertises a device's presence to the room.
	TypeAnnounce = "announce"
	// TypeOffer carries a connection offer to one peer.
	TypeOffer = "offer"
	// TypeAnswer carries a connection answer to one peer.
	TypeAnswer = "answer"
	// TypeCandidate carries one address candidate to one peer.
	TypeCandidate = "candidate"
	// TypeLeave announces a device leaving the room.
	TypeLeave = "leave"
)

// ErrInvalidMessage indicates a payload that is not a usable signal message.
var ErrInvalidMessage = errors.New("signaling: invalid message")

// Message is one handshake payload relayed between devices in a room.
//
// To is empty for broadcasts; Payload is opaque to the relay and carries
// the transport's offer/answer/candidate encoding.
type Message struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	From     string          `json:"from"`
	FromName string          `json:"from_name,omitempty"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal signal message: %w", err)
	}
	return raw, nil
}

// Decode unmarshals and validates a wire message.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" || msg.From == "" {
		return Message{}, ErrInvalidMessage
	}
	return msg, nil
}
