// Package signaling exchanges WebRTC session descriptions and ICE
// candidates with a room-based websocket signaling server.
//
// Messages are JSON envelopes routed by the server: join and leave
// announce peers, offer, answer and candidate carry negotiation payloads
// to one peer (To) or to the whole room.
package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType is the kind of a signaling envelope.
type MessageType string

const (
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeError     MessageType = "error"
)

// Message is a signaling envelope.
type Message struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewMessage builds an envelope with a JSON-encoded payload. A nil
// payload is omitted.
func NewMessage(t MessageType, roomID string, payload interface{}) (Message, error) {
	msg := Message{Type: t, RoomID: roomID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
