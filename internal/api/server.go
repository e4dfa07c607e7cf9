package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Dependencies wires the API to the decision core and its backends.
// Only Decider and Rules are required.
type Dependencies struct {
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Decider Decider
	Rules   *rules.Engine
	Scanner PatternScanner
	Windows WindowTracker
	Lookups Invalidator

	// Plans resolves caller plans for the quota middleware.
	Plans domain.PlanLookup

	// Quota enables per-caller admission control when set.
	Quota   QuotaLimiter
	Metrics *metrics.Metrics

	// ScanLookback is the default range of a pattern scan.
	ScanLookback time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Operational endpoints (no caller required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// API routes (caller required)
	router.Group(func(r chi.Router) {
		r.Use(CallerMiddleware)
		if deps.Quota != nil {
			r.Use(QuotaMiddleware(deps.Quota, deps.Plans, deps.Metrics, nil))
		}

		// Decisions
		r.Post("/decide", handler.Decide)
		r.Get("/decisions/{id}", handler.GetDecision)
		r.Get("/transactions/{id}", handler.GetTransaction)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
		r.Get("/velocity-rules", handler.ListVelocityRules)
		r.Post("/velocity-rules", handler.CreateVelocityRule)

		// Patterns
		r.Post("/patterns/scan", handler.ScanPatterns)
		r.Get("/entities/{id}/detections", handler.ListDetections)

		// Reference data
		r.Post("/entities", handler.SaveEntity)
		r.Get("/entities/{id}", handler.GetEntity)
		r.Post("/plans", handler.SavePlan)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
