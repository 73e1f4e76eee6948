// Package api implements the local HTTP status surface of the sync daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a chi router with all API routes mounted under /api.
// broker, if non-nil, is mounted at GET /api/events.
func NewRouter(d Deps, broker *Broker) chi.Router {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/signin", h.SignIn)
		r.Post("/signout", h.SignOut)
		r.Post("/check", h.Check)
		r.Post("/backup", h.Backup)
		r.Post("/restore", h.Restore)
		r.Post("/fetch", h.Fetch)
		r.Post("/resolve/{choice}", h.Resolve)
		r.Get("/history", h.History)

		if broker != nil {
			r.Get("/events", broker.ServeHTTP)
		}
	})

	return r
}

// requestLogger logs one debug line per request through logger.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
