/*
server.go - HTTP router and middleware configuration

PURPOSE:

	Configures the chi router, middleware stack, and route definitions.
	This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
 1. Logger:     request logging
 2. Recoverer:  panic recovery (500 instead of crash)
 3. RequestID:  unique id per request for tracing
 4. CORS:       cross-origin requests for operator tooling

ROUTE GROUPS:

	/api/entries/*       ledger writes and reads
	/api/balances/*      current and as-of balances
	/api/reports/*       diagnostic-gated reports
	/api/diagnostics     canary run
	/api/sagas/*         workflow start and status
	/api/outbox/*        dead-letter review and retry
	/api/periods/*       period listing and close
	/api/compliance/*    rule read and upsert

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Org-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Ledger routes
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.CreateEntry)
			r.Get("/{id}", h.GetEntry)
			r.Post("/{id}/reverse", h.ReverseEntry)
		})

		// Balance routes
		r.Route("/balances", func(r chi.Router) {
			r.Get("/{account}", h.GetBalance)
			r.Get("/{account}/activity", h.GetActivity)
		})

		// Report routes (diagnostic-gated)
		r.Route("/reports", func(r chi.Router) {
			r.Get("/trial-balance", h.TrialBalance)
		})

		r.Get("/diagnostics", h.RunDiagnostics)

		// Saga routes
		r.Route("/sagas", func(r chi.Router) {
			r.Post("/{name}", h.StartSaga)
			r.Get("/{id}", h.GetSaga)
			r.Get("/{id}/steps", h.GetSagaSteps)
		})

		// Outbox operator routes
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/{id}/retry", h.RetryDeadLetter)
		})

		// Period routes
		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/close", h.ClosePeriod)
		})

		// Compliance routes
		r.Route("/compliance", func(r chi.Router) {
			r.Get("/{state}/{type}", h.ListRules)
			r.Post("/rules", h.UpsertRule)
		})

		// Chart of accounts
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
		})
	})

	return r
}
