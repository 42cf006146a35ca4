/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the vendor/candidate frontends

ROUTE GROUPS:
  /api/vendors/{vendorID}/*   Wallet, tests, access lists
  /api/sessions/*             Candidate sessions
  /api/admin/*                Approval, pricing, billing recovery, sweeps
  /api/health                 Liveness

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
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/vendors/{vendorID}", func(r chi.Router) {
			r.Post("/", h.RegisterVendor)

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", h.GetWallet)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/topup", h.TopUp)
			})

			r.Post("/tests", h.CreateTest)
			r.Route("/tests/{testID}", func(r chi.Router) {
				r.Get("/", h.GetTest)
				r.Put("/active", h.SetTestActive)
				r.Get("/balance-check", h.CheckBalance)
				r.Get("/users", h.ListTestUsers)
				r.Post("/users", h.AddTestUsers)
				r.Post("/users/upload", h.UploadTestUsers)
				r.Delete("/users/{email}", h.RemoveTestUser)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSessionStatus)
				r.Post("/validate", h.ValidateSession)
				r.Put("/progress", h.UpdateProgress)
				r.Post("/pause", h.PauseSession)
				r.Post("/resume", h.ResumeSession)
				r.Post("/events", h.RecordEvent)
				r.Post("/end", h.EndSession)
				r.Post("/terminate", h.TerminateSession)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/vendors/{vendorID}/approve", h.ApproveVendor)
			r.Get("/vendors/{vendorID}/reconcile", h.ReconcileWallet)
			r.Get("/pricing", h.GetPricing)
			r.Put("/pricing", h.SetPricing)
			r.Post("/tests/{testID}/start", h.MarkTestStarted)
			r.Post("/tests/{testID}/completions", h.ChargeCompletion)
			r.Get("/sessions/unbilled", h.ListUnbilledSessions)
			r.Post("/sessions/{sessionID}/retry-billing", h.RetryBilling)
			r.Post("/sessions/cleanup", h.CleanupSessions)
			r.Post("/grants/expire", h.ExpireGrants)
		})
	})

	return r
}
