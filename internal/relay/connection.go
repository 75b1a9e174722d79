package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"contactr/internal/domain"
)

const defaultSendQueueSize = 256

// Connection is one admitted subscriber. Frames handed to Send are queued and
// written by a dedicated write pump, so a slow socket never blocks the caller.
// A Connection is never reused after it is closed.
type Connection struct {
	id        string
	identity  domain.Identity
	transport Transport
	logger    *slog.Logger

	send         chan []byte
	done         chan struct{}
	pumpDone     chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once
	writeTimeout time.Duration

	onClose func(*Connection)
}

func newConnection(id string, identity domain.Identity, transport Transport, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Connection{
		id:           id,
		identity:     identity,
		transport:    transport,
		logger:       logger,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
		writeTimeout: writeTimeout,
		onClose:      func(*Connection) {},
	}
}

// ID returns the relay-assigned connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the identity resolved at admission.
func (c *Connection) Identity() domain.Identity {
	return c.identity
}

// IsOpen reports whether the connection still accepts frames.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Done is closed once the connection has been closed for any reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send hands a serialized frame to the write pump without blocking.
func (c *Connection) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendJSON marshals v and queues it.
func (c *Connection) SendJSON(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close sends a close frame with code and reason, then releases the transport.
// Only the first call has any effect.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		err = c.transport.WriteControl(websocket.CloseMessage, msg, c.deadline())
		_ = c.transport.Close()
		c.onClose(c)
	})
	return err
}

// terminate closes the connection after a transport failure or a peer close.
// No close frame is written; the transport is already unusable or the peer's
// close has been answered by the websocket library.
func (c *Connection) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.transport.Close()
		if cause != nil {
			c.logger.Debug("connection terminated", "conn_id", c.id, "error", cause)
		}
		c.onClose(c)
	})
}

func (c *Connection) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// writePump drains the send queue onto the transport. A write error closes
// the connection, which removes it from the registry.
func (c *Connection) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.transport.SetWriteDeadline(c.deadline())
			}
			if err := c.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
				if c.IsOpen() {
					c.logger.Warn("write to connection failed", "conn_id", c.id, "user", c.identity.Email, "error", err)
				}
				c.terminate(err)
				return
			}
		}
	}
}

// ReadLoop reads inbound frames until the peer goes away or ctx ends, passing
// each frame to handler. Malformed frames are answered by the handler and do
// not end the loop.
func (c *Connection) ReadLoop(ctx context.Context, handler *MessageHandler) {
	defer c.terminate(nil)
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if c.IsOpen() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Warn("connection read failed", "conn_id", c.id, "user", c.identity.Email, "error", err)
			}
			return
		}

		msg, err := handler.Handle(ctx, c, data)
		if err != nil {
			if errors.Is(err, ErrInvalidFormat) {
				c.logger.Warn("invalid inbound message", "conn_id", c.id, "user", c.identity.Email)
				continue
			}
			c.logger.Error("inbound message failed", "conn_id", c.id, "error", err)
			continue
		}
		if msg != nil {
			c.logger.Debug("unhandled inbound message", "conn_id", c.id, "type", msg.Type)
		}
	}
}
