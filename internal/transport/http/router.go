package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the relay endpoints. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(clientMetadata)
	r.Use(accessLog(logger))

	r.Get("/health", h.HandleHealth)
	r.Get(h.wsPath, h.HandleWebSocket)
	if h.directory != nil {
		r.Get("/presence", h.HandlePresence)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
