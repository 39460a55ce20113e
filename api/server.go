/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/tasks/*          Task catalog
  /api/categories       Task categories
  /api/users/*          Directory, completions, scores
  /api/completions      Window listing
  /api/leaderboard      Ranked leaderboard
  /api/demo/seed        Demo data (dev only)
  /metrics              Prometheus scrape endpoint
  /healthz              Storage health check

SECURITY NOTE:
  No authentication middleware. The service sits behind a gateway that
  authenticates callers and passes a trusted user id.

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
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method("GET", "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.CreateTask)
			r.Get("/{id}", h.GetTask)
		})
		r.Get("/categories", h.ListCategories)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Delete("/{id}", h.DeleteUser)
			r.Post("/{id}/completions", h.RecordCompletion)
			r.Get("/{id}/completions", h.ListUserCompletions)
			r.Get("/{id}/score", h.GetScore)
			r.Post("/{id}/score/reconcile", h.ReconcileScore)
		})

		r.Get("/completions", h.ListWindowCompletions)
		r.Get("/leaderboard", h.GetLeaderboard)

		r.Post("/demo/seed", h.SeedDemo)
	})

	return r
}
