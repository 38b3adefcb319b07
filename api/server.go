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
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/payments/*       Payment posting, allocation, reversal
  /api/allocations/*    Individual allocation removal
  /api/charges/*        Charge creation
  /api/patients/*       Per-patient charge listings
  /api/collections/*    Collections reporting

SECURITY NOTE:
  No authentication middleware currently. Tenancy is carried by the
  X-Tenant-ID header and trusted as-is; an auth gateway is expected in
  front of this service in production.

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
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Actor-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Get("/recent", h.RecentPayments)
			r.Get("/{id}", h.GetPayment)
			r.Patch("/{id}", h.UpdatePayment)
			r.Post("/{id}/void", h.VoidPayment)
			r.Post("/{id}/apply", h.ApplyPayment)
		})

		// Allocation routes
		r.Route("/allocations", func(r chi.Router) {
			r.Delete("/{id}", h.DeleteAllocation)
		})

		// Charge routes
		r.Route("/charges", func(r chi.Router) {
			r.Post("/", h.CreateCharge)
		})

		// Patient routes
		r.Route("/patients", func(r chi.Router) {
			r.Get("/{id}/charges", h.PatientCharges)
		})

		// Reporting routes
		r.Route("/collections", func(r chi.Router) {
			r.Get("/daily", h.DailyCollections)
		})
	})

	return r
}
