package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// InboundMessage is a well-formed client frame the relay did not answer
// itself. Raw holds the frame exactly as received.
type InboundMessage struct {
	Type   string
	Action string
	Raw    json.RawMessage
}

// MessageHandler answers the inbound frames the relay understands. Lock
// state is owned by the contacts service; lock requests are refused here.
type MessageHandler struct {
	logger      *slog.Logger
	presence    PresenceTracker
	lockMessage string
	lockHint    string
	now         func() time.Time
}

// HandlerOption configures a MessageHandler.
type HandlerOption func(*MessageHandler)

// WithPresence refreshes presence entries when connections ping.
func WithPresence(p PresenceTracker) HandlerOption {
	return func(h *MessageHandler) {
		h.presence = p
	}
}

// WithHandlerClock overrides the reply timestamp source.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *MessageHandler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewMessageHandler(lockMessage, lockHint string, logger *slog.Logger, opts ...HandlerOption) *MessageHandler {
	h := &MessageHandler{
		logger:      logger,
		lockMessage: lockMessage,
		lockHint:    lockHint,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Handle processes one raw inbound frame from conn. Pings and lock requests
// are answered and yield (nil, nil); other well-formed messages are returned
// unmodified. Malformed JSON yields one error reply and ErrInvalidFormat.
func (h *MessageHandler) Handle(ctx context.Context, conn *Connection, raw []byte) (*InboundMessage, error) {
	if !json.Valid(raw) {
		h.reply(conn, ErrorFrame{Type: FrameTypeError, Message: ErrInvalidFormat.Error()})
		return nil, ErrInvalidFormat
	}

	msg := &InboundMessage{Raw: json.RawMessage(raw)}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			msg.Type = stringField(fields, "type")
			msg.Action = stringField(fields, "action")
		}
	}

	switch {
	case msg.Type == MessageTypePing:
		h.reply(conn, newPongFrame(h.now()))
		if h.presence != nil {
			if err := h.presence.Touch(ctx, conn.ID()); err != nil {
				h.logger.WarnContext(ctx, "presence refresh failed", "conn_id", conn.ID(), "error", err)
			}
		}
		return nil, nil
	case msg.Action == ActionLock || msg.Action == ActionUnlock:
		h.logger.InfoContext(ctx, "rejected lock request on relay",
			"conn_id", conn.ID(),
			"user", conn.Identity().Email,
			"action", msg.Action,
		)
		h.reply(conn, ErrorFrame{Type: FrameTypeError, Message: h.lockMessage, Hint: h.lockHint})
		return nil, nil
	default:
		return msg, nil
	}
}

func (h *MessageHandler) reply(conn *Connection, frame any) {
	if err := conn.SendJSON(frame); err != nil {
		h.logger.Warn("failed to send reply", "conn_id", conn.ID(), "error", err)
	}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
