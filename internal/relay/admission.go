package relay

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"contactr/internal/domain"
	"contactr/internal/platform/metrics"
	dErrors "contactr/pkg/domain-errors"
)

// TokenQueryParam is the query parameter carrying the bearer token.
const TokenQueryParam = "token"

const presenceTimeout = 2 * time.Second

// ClaimsExtractor resolves an identity from a bearer token.
type ClaimsExtractor interface {
	Extract(token string) (domain.Identity, error)
}

// Admitter validates connection requests and registers admitted connections.
type Admitter struct {
	extractor    ClaimsExtractor
	registry     *Registry
	logger       *slog.Logger
	metrics      *metrics.Metrics
	presence     PresenceTracker
	queueSize    int
	writeTimeout time.Duration
	now          func() time.Time
}

// AdmitterOption configures an Admitter.
type AdmitterOption func(*Admitter)

func WithMetrics(m *metrics.Metrics) AdmitterOption {
	return func(a *Admitter) {
		a.metrics = m
	}
}

func WithPresenceTracker(p PresenceTracker) AdmitterOption {
	return func(a *Admitter) {
		a.presence = p
	}
}

// WithSendQueue sets the per-connection outbound queue size and write deadline.
func WithSendQueue(size int, writeTimeout time.Duration) AdmitterOption {
	return func(a *Admitter) {
		a.queueSize = size
		a.writeTimeout = writeTimeout
	}
}

func WithAdmitterClock(now func() time.Time) AdmitterOption {
	return func(a *Admitter) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAdmitter(extractor ClaimsExtractor, registry *Registry, logger *slog.Logger, opts ...AdmitterOption) *Admitter {
	a := &Admitter{
		extractor:    extractor,
		registry:     registry,
		logger:       logger,
		queueSize:    defaultSendQueueSize,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Admit authenticates the connection from the token in requestURL. On success
// the connection is registered, its write pump started and one welcome frame
// queued. On failure one close frame is sent (1008 for authentication
// failures, 1001 while draining) and the connection is never registered.
func (a *Admitter) Admit(ctx context.Context, transport Transport, requestURL *url.URL) (*Connection, error) {
	var token string
	if requestURL != nil {
		token = requestURL.Query().Get(TokenQueryParam)
	}

	identity, err := a.extractor.Extract(token)
	if err != nil {
		a.reject(ctx, transport, websocket.ClosePolicyViolation, err)
		a.metrics.IncAdmission("rejected")
		return nil, err
	}

	conn := newConnection(uuid.NewString(), identity, transport, a.queueSize, a.writeTimeout, a.logger)
	// Queued before registration so the welcome precedes any broadcast frame.
	if err := conn.SendJSON(WelcomeFrame{
		Type:      FrameTypeConnection,
		Message:   WelcomeMessage,
		User:      identity.Email,
		Timestamp: domain.Timestamp(a.now()),
	}); err != nil {
		a.reject(ctx, transport, websocket.CloseInternalServerErr, dErrors.Wrap(err, dErrors.CodeInternal, "Failed to initialise connection"))
		a.metrics.IncAdmission("rejected")
		return nil, err
	}

	conn.onClose = a.release
	if err := a.registry.Add(conn); err != nil {
		a.reject(ctx, transport, websocket.CloseGoingAway, err)
		a.metrics.IncAdmission("draining")
		return nil, err
	}
	go conn.writePump()

	if a.presence != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
		if err := a.presence.Join(pctx, conn.id, identity); err != nil {
			a.logger.WarnContext(ctx, "presence join failed", "conn_id", conn.id, "error", err)
		}
		cancel()
	}

	a.metrics.IncAdmission("admitted")
	a.logger.InfoContext(ctx, "connection admitted",
		"conn_id", conn.id,
		"user", identity.Email,
		"name", identity.DisplayName,
	)
	return conn, nil
}

func (a *Admitter) reject(ctx context.Context, transport Transport, code int, cause error) {
	reason := dErrors.Message(cause)
	a.logger.WarnContext(ctx, "connection rejected", "code", code, "reason", reason, "error", cause)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		a.logger.DebugContext(ctx, "failed to send close frame", "error", err)
	}
	_ = transport.Close()
}

// release runs once per connection when it closes for any reason.
func (a *Admitter) release(c *Connection) {
	if !a.registry.Remove(c) {
		return
	}
	if a.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := a.presence.Leave(ctx, c.id); err != nil {
			a.logger.Warn("presence leave failed", "conn_id", c.id, "error", err)
		}
	}
	a.logger.Info("connection closed", "conn_id", c.id, "user", c.identity.Email)
}
