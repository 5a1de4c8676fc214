/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the teller UI

ROUTE GROUPS:
  /api/contracts/*      Contract intake, snapshots, settlement
  /api/registers/*      Cash register sessions
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness

SECURITY NOTE:
  Authentication happens upstream. The gateway resolves the caller and
  forwards X-Tenant-ID and X-Operator-ID; this router trusts them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

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
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			headerTenant, headerOperator, headerIdempotency,
		},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Contract routes
		r.Route("/contracts", func(r chi.Router) {
			r.Use(requireTenant)
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
			r.Get("/{id}/snapshot", h.GetSnapshot)
			r.Get("/{id}/payments", h.GetPayments)
			r.Post("/{id}/settle", h.Settle)
			r.Post("/{id}/extend", h.ExtendTerm)
			r.Post("/{id}/forgive", h.ForgivePenalty)
		})

		// Register routes
		r.Route("/registers", func(r chi.Router) {
			r.Use(requireTenant)
			r.Post("/", h.OpenRegister)
			r.Get("/{id}", h.GetRegister)
			r.Post("/{id}/close", h.CloseRegister)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
