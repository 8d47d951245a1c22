/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logger:     Structured request logging (logrus)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request count and latency per route pattern
  5. CORS:       Cross-origin requests for the back-office frontend
  6. Identity:   X-Actor-ID / X-Actor-Role into the request context

ROUTE GROUPS:
  /api/credit-notes/*     Credit note intake and application
  /api/debit-notes/*      Debit note intake and application
  /api/promissory-notes/* Collections listing, export and payment allocations
  /api/clients/*          Client ledger history
  /api/products/*         Inventory movements
  /api/scenarios/*        Demo data (only when a loader is configured)
  /metrics                Prometheus scrape endpoint
  /healthz                Liveness plus store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))
	r.Use(identityMiddleware)

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/credit-notes", func(r chi.Router) {
			r.Post("/", h.CreateCreditNote)
			r.Get("/{id}", h.GetCreditNote)
			r.Patch("/{id}", h.UpdateCreditNote)
			r.Delete("/{id}", h.DeleteCreditNote)
			r.Post("/{id}/apply", h.ApplyCreditNote)
		})

		r.Route("/debit-notes", func(r chi.Router) {
			r.Post("/", h.CreateDebitNote)
			r.Get("/{id}", h.GetDebitNote)
			r.Patch("/{id}", h.UpdateDebitNote)
			r.Delete("/{id}", h.DeleteDebitNote)
			r.Post("/{id}/apply", h.ApplyDebitNote)
		})

		r.Route("/promissory-notes", func(r chi.Router) {
			r.Get("/", h.ListPromissoryNotes)
			r.Get("/export", h.ExportPromissoryNotes)
			r.Get("/{id}/allocations", h.GetPaymentAllocations)
		})

		r.Get("/clients/{id}/history", h.GetClientHistory)
		r.Get("/products/{id}/movements", h.GetProductMovements)

		if h.Scenarios != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one JSON line per request.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"module":     moduleName,
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"actor_id":   r.Header.Get(HeaderActorID),
			}).Info("request")
		})
	}
}
