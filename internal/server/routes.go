package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	// Session management
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			r.Post("/archive", s.archiveSession)
			r.Delete("/archive", s.unarchiveSession)

			// Consumer WebSocket
			r.Get("/ws", s.consumerWS)
		})
	})

	// Inverted CLI connections (backends that dial in)
	r.Get("/cli/ws", s.cliWS)
}
