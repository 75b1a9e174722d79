package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"contactr/internal/domain"
	"contactr/internal/relay"
	dErrors "contactr/pkg/domain-errors"
	"contactr/pkg/platform/httputil"
	"contactr/pkg/platform/middleware/metadata"
)

// DefaultReadLimit caps a single inbound frame.
const DefaultReadLimit = 64 << 10

// Gate reports whether new connections may be upgraded.
type Gate interface {
	Accepting() bool
}

// Directory lists the users currently connected across relay instances.
type Directory interface {
	Online(ctx context.Context) ([]string, error)
}

// Handler serves the WebSocket endpoint and the health check.
type Handler struct {
	admitter  *relay.Admitter
	messages  *relay.MessageHandler
	registry  *relay.Registry
	gate      Gate
	directory Directory
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	wsPath    string
	readLimit int64
	now       func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithGate overrides the registry as the draining signal.
func WithGate(g Gate) HandlerOption {
	return func(h *Handler) {
		if g != nil {
			h.gate = g
		}
	}
}

// WithDirectory mounts GET /presence backed by d.
func WithDirectory(d Directory) HandlerOption {
	return func(h *Handler) {
		h.directory = d
	}
}

func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler wires the relay components behind wsPath.
func NewHandler(admitter *relay.Admitter, messages *relay.MessageHandler, registry *relay.Registry, wsPath string, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if wsPath == "" {
		wsPath = "/ws"
	}
	h := &Handler{
		admitter: admitter,
		messages: messages,
		registry: registry,
		gate:     registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers on any origin may subscribe; the token gates access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:    logger,
		wsPath:    wsPath,
		readLimit: DefaultReadLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// HandleWebSocket upgrades the request, admits the connection and serves its
// inbound messages until it closes. Admission failures are reported on the
// upgraded socket as close frames, not as HTTP errors.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.gate.Accepting() {
		httputil.WriteError(w, relay.ErrDraining)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.DebugContext(ctx, "websocket upgrade failed",
			"client_ip", metadata.GetClientIP(ctx),
			"error", err,
		)
		return
	}
	ws.SetReadLimit(h.readLimit)

	conn, err := h.admitter.Admit(ctx, ws, r.URL)
	if err != nil {
		return
	}
	h.logger.DebugContext(ctx, "serving connection",
		"conn_id", conn.ID(),
		"client_ip", metadata.GetClientIP(ctx),
	)
	conn.ReadLoop(ctx, h.messages)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string           `json:"status"`
	Connections int              `json:"connections"`
	Timestamp   domain.Timestamp `json:"timestamp"`
}

// HandleHealth reports liveness and the live connection count. It answers
// 503 with status "draining" once shutdown has begun.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Connections: h.registry.Len(),
		Timestamp:   domain.Timestamp(h.now()),
	}
	status := http.StatusOK
	if !h.gate.Accepting() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

// PresenceResponse is the body of GET /presence.
type PresenceResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// HandlePresence lists the distinct users online.
func (h *Handler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	users, err := h.directory.Online(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "presence lookup failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "presence unavailable"))
		return
	}
	if users == nil {
		users = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, PresenceResponse{Users: users, Count: len(users)})
}
