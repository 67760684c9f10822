// Package api exposes the plugin sandbox over HTTP: execution, batch
// scheduling, phase upgrades, termination, and incident review.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/config"
	"wasm-plugin-sandbox/internal/monitor"
	"wasm-plugin-sandbox/internal/service"
	"wasm-plugin-sandbox/internal/storage"
)

// Server is the HTTP front end over a Service.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	svc        *service.Service
	db         *storage.DB
	startTime  time.Time
}

// NewServer wires all routes and middleware around the service.
func NewServer(cfg *config.Config, svc *service.Service, db *storage.DB, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(svc, db, cfg)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		svc:       svc,
		db:        db,
		startTime: time.Now(),
	}

	// Execution API, wrapped with auth.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /execute/batch", handlers.HandleBatch)
	apiMux.HandleFunc("POST /executions/{id}/upgrade", handlers.HandleUpgradePhase)
	apiMux.HandleFunc("DELETE /executions/{id}", handlers.HandleTerminate)
	apiMux.HandleFunc("GET /incidents", handlers.HandleListIncidents)
	apiMux.HandleFunc("POST /incidents/{id}/resolve", handlers.HandleResolveIncident)
	apiMux.HandleFunc("GET /stats", handlers.HandleStats)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth; everything else goes through it.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully assembled handler chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())

	resp := HealthResponse{
		Status:           "ok",
		Database:         dbOK,
		ActiveExecutions: s.svc.ActiveExecutions(),
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
