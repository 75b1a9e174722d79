package relay

import (
	"encoding/json"
	"time"

	"contactr/internal/domain"
)

// Outbound frame types.
const (
	FrameTypeConnection = "connection"
	FrameTypePong       = "pong"
	FrameTypeError      = "error"
)

// Inbound message discriminators.
const (
	MessageTypePing = "ping"
	ActionLock      = "lock"
	ActionUnlock    = "unlock"
)

// WelcomeMessage is the text of the frame sent after a successful admission.
const WelcomeMessage = "Connected to contactr realtime relay"

// WelcomeFrame is sent exactly once to each admitted connection.
type WelcomeFrame struct {
	Type      string           `json:"type"`
	Message   string           `json:"message"`
	User      string           `json:"user"`
	Timestamp domain.Timestamp `json:"timestamp"`
}

// BroadcastFrame carries one upstream notification to every subscriber.
type BroadcastFrame struct {
	Channel   string           `json:"channel"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp domain.Timestamp `json:"timestamp"`
}

// PongFrame answers a ping message.
type PongFrame struct {
	Type      string           `json:"type"`
	Timestamp domain.Timestamp `json:"timestamp"`
}

// ErrorFrame reports a problem with a message back to its sender only.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// EncodeBroadcast serializes a change event into the broadcast wire form.
func EncodeBroadcast(ev domain.ChangeEvent) ([]byte, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(BroadcastFrame{
		Channel:   ev.SourceChannel,
		Payload:   payload,
		Timestamp: domain.Timestamp(ev.ObservedAt),
	})
}

func newPongFrame(now time.Time) PongFrame {
	return PongFrame{Type: FrameTypePong, Timestamp: domain.Timestamp(now)}
}
