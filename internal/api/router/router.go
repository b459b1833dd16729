package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kubelamp/kubelamp/internal/api/handlers"
	gwmiddleware "github.com/kubelamp/kubelamp/internal/api/middleware"
)

// RouterConfig defines the strict dependencies required to build the API
// routing tree.
type RouterConfig struct {
	// BaseURL is an optional external path prefix the whole gateway is
	// mounted under, e.g. "/dash". Empty serves from the root.
	BaseURL        string
	AllowedOrigins []string

	ClustersHandler    *handlers.ClustersHandler
	MultiplexerHandler *handlers.MultiplexerHandler
	PortForwardHandler *handlers.PortForwardHandler
	EventsHandler      *handlers.EventsHandler
	HealthHandler      *handlers.HealthHandler
	StatusHandler      *handlers.StatusHandler
	ProxyHandler       http.HandlerFunc

	Logger *slog.Logger
}

// NewRouter constructs the chi multiplexer, attaches global middleware, and
// wires all endpoints.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(gwmiddleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Inbound payloads are control messages and small manifests; cap them.
	r.Use(gwmiddleware.MaxBytes(4 * 1024 * 1024))
	r.Use(gwmiddleware.NewRateLimiter(cfg.Logger).Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", cfg.HealthHandler.Check)

	// The multiplexed watch socket and SSE stream are long-lived; they sit
	// outside the request timeout that guards the plain API.
	r.Get("/wsMultiplexer", cfg.MultiplexerHandler.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", cfg.EventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/clusters", cfg.ClustersHandler.List)
			r.Get("/clusters/{cluster}/health", cfg.ClustersHandler.Health)

			r.Route("/portforwards", func(r chi.Router) {
				r.Get("/", cfg.PortForwardHandler.List)
				r.Post("/", cfg.PortForwardHandler.Create)
				r.Get("/{id}", cfg.PortForwardHandler.Get)
				r.Delete("/{id}", cfg.PortForwardHandler.Delete)
			})

			r.Get("/status", cfg.StatusHandler.Status)
		})
	})

	// Plain REST traffic to the clusters themselves.
	r.HandleFunc("/clusters/{cluster}/*", cfg.ProxyHandler)

	if cfg.BaseURL != "" {
		outer := chi.NewRouter()
		outer.Mount(cfg.BaseURL, r)
		return outer
	}
	return r
}
