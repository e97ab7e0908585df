package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the control-surface router with standard middleware.
func NewRouter(h *Handlers, corsOrigin string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsOrigin != "" {
		r.Use(corsMiddleware(corsOrigin))
	}

	MountRoutes(r, h)
	return r
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Orchestration
		r.Post("/orchestrations", h.Orchestrate)
		r.Post("/orchestrations/decide", h.Decide)

		// Tasks
		r.Get("/tasks", h.ListActiveTasks)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Swarm introspection
		r.Get("/swarm", h.GetSwarm)
		r.Post("/swarm/pause", h.PauseSwarm)
		r.Post("/swarm/resume", h.ResumeSwarm)
		r.Get("/agents", h.ListAgents)
		r.Get("/events", h.QueryEvents)

		// Operations
		r.Get("/metrics", h.GetMetrics)
		r.Post("/metrics/reset", h.ResetMetrics)
		r.Get("/health", h.GetHealth)
		r.Get("/config", h.GetConfig)
		r.Patch("/config", h.PatchConfig)
	})
}

// corsMiddleware allows a single configured origin on all routes.
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
