package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
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

	r.Route("/api/v1", func(r chi.Router) {
		// No auth required
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/auth/token", s.handleToken)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/state", s.handleGetDeviceState)
					r.Post("/identify", s.handleIdentify)
					r.Get("/characteristics/{characteristic}", s.handleQueryCharacteristic)
					r.Put("/characteristics/{characteristic}", s.handleSetCharacteristic)
				})
			})

			r.Get("/rooms", s.handleListRooms)

			r.Route("/attributes", func(r chi.Router) {
				r.Get("/", s.handleListAttributes)
				r.Get("/{id}", s.handleGetAttribute)
				r.Get("/{id}/history", s.handleGetAttributeHistory)
			})

			r.Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// ConnectionHealth is the health of one FHEM longpoll stream.
type ConnectionHealth struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// handleHealth returns the server health status. The status is "degraded"
// while any FHEM stream is not streaming.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	conns := make([]ConnectionHealth, 0, len(s.streams))
	for _, m := range s.streams {
		st := m.Stats()
		connected := st.State == fhem.StateStreaming
		if !connected {
			status = "degraded"
		}
		conns = append(conns, ConnectionHealth{
			Name:      m.Name(),
			Address:   m.Address(),
			State:     st.State.String(),
			Connected: connected,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     s.version,
		"devices":     s.registry.Len(),
		"connections": conns,
	})
}
