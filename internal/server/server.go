// Package server implements the HTTP API of the decision gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veritas-ai/veritas/internal/auth"
	"github.com/veritas-ai/veritas/internal/compliance"
	"github.com/veritas-ai/veritas/internal/config"
	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/governance"
	"github.com/veritas-ai/veritas/internal/memory"
	"github.com/veritas-ai/veritas/internal/pipeline"
	"github.com/veritas-ai/veritas/internal/ratelimit"
	"github.com/veritas-ai/veritas/internal/trustlog"
)

// Deps are the collaborators the server routes requests into.
type Deps struct {
	Config       config.Config
	Orchestrator *pipeline.Orchestrator
	Gate         *fuji.Gate
	TrustLog     *trustlog.Log
	Memory       *memory.Store
	Governance   *governance.Store
	Compliance   *compliance.Engine
	Admission    *auth.Admission
	JWTMgr       *auth.JWTManager
	Limiter      *ratelimit.Limiter
	Logger       *slog.Logger
	Version      string
}

// Server is the gateway HTTP server.
type Server struct {
	cfg          config.Config
	orchestrator *pipeline.Orchestrator
	gate         *fuji.Gate
	trustLog     *trustlog.Log
	memory       *memory.Store
	governance   *governance.Store
	compliance   *compliance.Engine
	admission    *auth.Admission
	jwtMgr       *auth.JWTManager
	limiter      *ratelimit.Limiter
	logger       *slog.Logger
	version      string
	startedAt    time.Time

	httpServer *http.Server
	handler    http.Handler
}

// New builds the server with all routes and the middleware chain.
func New(d Deps) *Server {
	s := &Server{
		cfg:          d.Config,
		orchestrator: d.Orchestrator,
		gate:         d.Gate,
		trustLog:     d.TrustLog,
		memory:       d.Memory,
		governance:   d.Governance,
		compliance:   d.Compliance,
		admission:    d.Admission,
		jwtMgr:       d.JWTMgr,
		limiter:      d.Limiter,
		logger:       d.Logger,
		version:      d.Version,
		startedAt:    time.Now(),
	}

	mux := http.NewServeMux()

	// Unauthenticated liveness.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	// Reviewer token exchange (HMAC-admitted).
	mux.HandleFunc("POST /auth/token", s.requireAuth(false, s.handleAuthToken))

	// Status and decision surfaces.
	mux.HandleFunc("GET /status", s.requireAuth(true, s.handleStatus))
	mux.HandleFunc("POST /v1/decide", s.requireAuth(false, s.handleDecide))
	mux.HandleFunc("POST /v1/fuji/validate", s.requireAuth(false, s.handleFujiValidate))
	mux.HandleFunc("POST /v1/replay/{decision_id}", s.requireAuth(false, s.handleReplay))

	// Memory substrate.
	mux.HandleFunc("POST /v1/memory/put", s.requireAuth(false, s.handleMemoryPut))
	mux.HandleFunc("POST /v1/memory/get", s.requireAuth(false, s.handleMemoryGet))
	mux.HandleFunc("POST /v1/memory/search", s.requireAuth(false, s.handleMemorySearch))

	// Trust log.
	mux.HandleFunc("GET /v1/trust/logs", s.requireAuth(true, s.handleTrustLogs))
	mux.HandleFunc("GET /v1/trust/{request_id}", s.requireAuth(true, s.handleTrustForRequest))
	mux.HandleFunc("GET /v1/trustlog/verify", s.requireAuth(true, s.handleTrustVerify))
	mux.HandleFunc("GET /v1/trustlog/export", s.requireAuth(true, s.handleTrustExport))

	// Governance and compliance.
	mux.HandleFunc("GET /v1/governance/policy", s.requireAuth(true, s.handleGovernanceGet))
	mux.HandleFunc("PUT /v1/governance/policy", s.requireAuth(false, s.handleGovernancePut))
	mux.HandleFunc("GET /v1/governance/value-drift", s.requireAuth(true, s.handleValueDrift))
	mux.HandleFunc("GET /v1/report/eu_ai_act/{decision_id}", s.requireAuth(true, s.handleDecisionReport))
	mux.HandleFunc("GET /v1/report/governance", s.requireAuth(true, s.handleGovernanceReport))

	var handler http.Handler = mux
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(d.Logger, handler)
	handler = corsMiddleware(d.Config.CORSAllowOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(d.Logger, handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", d.Config.Port),
		Handler:      handler,
		ReadTimeout:  d.Config.ReadTimeout,
		WriteTimeout: d.Config.WriteTimeout,
	}
	return s
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr, "version", s.version)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
