package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		// WebSocket endpoint (auth via single-use ticket, validated in
		// handler; browsers cannot set Authorization headers on upgrades)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/logout", s.handleLogout)

			// WS ticket requires authentication - a judge must be logged in
			// to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Score submission
			r.Post("/scores", s.handleSubmitScore)

			// Station activity log
			r.Get("/activity", s.handleActivity)

			// Sync queue management
			r.Route("/sync", func(r chi.Router) {
				r.Get("/pending", s.handleSyncPending)
				r.Get("/surfaced", s.handleSyncSurfaced)
				r.Post("/surfaced/{id}/resolve", s.handleSyncResolve)
				r.Post("/flush", s.handleSyncFlush)
			})
		})
	})

	return r
}

// handleHealth returns the server health status along with the current
// outbox depth so consoles can show a sync indicator without auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.PendingCount(r.Context())
	if err != nil {
		s.logger.Warn("health check could not read outbox depth", "error", err)
		pending = -1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"station_id":     s.station.ID,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"queue_depth":    pending,
	})
}
