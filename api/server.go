/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/ledger-entries/*   Ledger CRUD (drives the allocation engine)
  /api/orders/*           Orders, manual payments, settlement
  /api/counterparties/*   Outstanding queue and per-counterparty repair
  /api/reconciliation/*   Sweep and run log
  /health                 Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/ledger-entries", func(r chi.Router) {
			r.Get("/", h.ListLedgerEntries)
			r.Post("/", h.CreateLedgerEntry)
			r.Get("/{id}", h.GetLedgerEntry)
			r.Put("/{id}", h.UpdateLedgerEntry)
			r.Delete("/{id}", h.DeleteLedgerEntry)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/payments", h.AddManualPayment)
			r.Post("/{id}/settle", h.SettleOrder)
		})

		r.Route("/counterparties", func(r chi.Router) {
			r.Get("/", h.ListCounterparties)
			r.Get("/{role}/{name}/outstanding", h.GetOutstanding)
			r.Post("/{role}/{name}/reconcile", h.ReconcileCounterparty)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.ReconcileAll)
			r.Get("/runs", h.ListReconciliationRuns)
		})
	})

	return r
}
