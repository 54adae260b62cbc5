package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/nerrad567/routerwatch-core/internal/fleet"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(cors.Handler(s.corsOptions()))
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		// Browsers cannot set headers on a WebSocket upgrade, so the
		// stream authenticates with a ticket checked in the handler.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Get("/fleet", s.handleGetFleet)
			r.Put("/fleet", s.handlePutFleet)

			r.Get("/history", s.handleListHistory)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/history", s.handleDeviceHistory)

					r.Post("/reboot", s.handleReboot)
					r.Put("/schedules", s.handleSetSchedules)
					r.Delete("/schedules", s.handleClearSchedules)
					r.Post("/ota", s.handleStartOTA)
					r.Put("/ping-reboot", s.handlePingReboot)
					r.Post("/version", s.handleRequestVersion)
				})
			})
		})
	})

	return r
}

// corsOptions maps the configured CORS policy. An empty origin list allows
// every origin.
func (s *Server) corsOptions() cors.Options {
	origins := s.cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := s.cfg.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := s.cfg.CORS.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         86400,
	}
}

// handleHealth returns the server health status with fleet counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	states := s.fleet.States()
	online := 0
	for _, st := range states {
		if st.Status == fleet.StatusOnline {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"devices":    len(states),
		"online":     online,
		"ws_clients": s.hub.ClientCount(),
	})
}
