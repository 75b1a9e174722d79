package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"contactr/pkg/platform/middleware/metadata"
)

func clientMetadata(next http.Handler) http.Handler {
	return metadata.ClientMetadata(next)
}

// accessLog logs completed plain HTTP requests. Upgraded requests are logged
// by the relay itself when the connection closes.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() == http.StatusSwitchingProtocols || r.URL.Path == "/health" {
				return
			}
			logger.DebugContext(r.Context(), "http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"client_ip", metadata.GetClientIP(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
