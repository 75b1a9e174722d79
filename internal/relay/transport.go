package relay

import (
	"context"
	"time"

	"contactr/internal/domain"
)

// Transport is the subset of *websocket.Conn the relay drives. ReadMessage and
// WriteMessage each have a single caller (the read loop and the write pump);
// WriteControl and Close may be called concurrently with both.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// PresenceTracker records which identities are connected. It is optional;
// failures are logged and never affect admission or delivery.
type PresenceTracker interface {
	Join(ctx context.Context, connID string, identity domain.Identity) error
	Touch(ctx context.Context, connID string) error
	Leave(ctx context.Context, connID string) error
}
