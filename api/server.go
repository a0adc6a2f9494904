/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  zerolog line per request
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for frontend
  5. RateLimit:      Token bucket per actor (x/time/rate)

ROUTE GROUPS:
  /api/cases/*      Case lifecycle
  /api/courses/*    Course balance and ledger
  /api/scenarios/*  Demo scenarios
  /metrics          Prometheus exposition
  /healthz          Liveness + store ping

SECURITY NOTE:
  Actor identity comes from X-Actor-* headers set by an upstream
  gateway. No authentication happens here.

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions configures the ambient middleware.
type RouterOptions struct {
	Logger         zerolog.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// EnableScenarios mounts /api/scenarios. Loading a scenario wipes the
	// store, so it stays off outside development.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerActorID, headerActorRole, headerClinicID},
		AllowCredentials: true,
	}))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))

		r.Route("/cases", func(r chi.Router) {
			r.Get("/{id}", h.GetCase)
			r.Delete("/{id}", h.DeleteCase)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/status", h.ChangeStatus)
			r.Post("/{id}/reverse", h.ReverseCompletion)
			r.Post("/{id}/cancel", h.CancelCase)
		})

		r.Route("/courses", func(r chi.Router) {
			r.Get("/{id}", h.GetCourse)
			r.Get("/{id}/usage", h.GetCourseUsage)
		})

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", nil)
	})

	return r
}
