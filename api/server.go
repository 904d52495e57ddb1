/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operator tooling

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Commission rate configuration
		r.Route("/rates", func(r chi.Router) {
			r.Get("/", h.ListRates)
			r.Post("/", h.SaveRate)
			r.Get("/{type}", h.GetRate)
		})

		// Conversion recording and settlement
		r.Route("/conversions", func(r chi.Router) {
			r.Post("/", h.RecordConversion)
			r.Get("/{id}", h.GetConversion)
			r.Post("/{id}/confirm", h.ConfirmConversion)
		})

		// Per-affiliate views and payout creation
		r.Route("/affiliates/{id}", func(r chi.Router) {
			r.Get("/commission", h.GetPendingCommission)
			r.Get("/conversions", h.ListConversions)
			r.Get("/payouts", h.ListPayouts)
			r.Post("/payouts", h.CreatePayout)
		})

		// Payout lifecycle
		r.Route("/payouts", func(r chi.Router) {
			r.Get("/{id}", h.GetPayout)
			r.Post("/{id}/approve", h.ApprovePayout)
			r.Post("/{id}/reject", h.RejectPayout)
			r.Post("/{id}/complete", h.CompletePayout)
			r.Post("/{id}/fail", h.FailPayout)
		})
	})

	return r
}
