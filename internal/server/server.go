// Package server provides the HTTP and WebSocket surface of the session broker.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/registry"
	"github.com/workspace/session-broker/internal/session"
)

// Deps are the components the server fronts. Validator is nil when auth is
// disabled.
type Deps struct {
	Orchestrator *session.Orchestrator
	Registry     *registry.Registry
	Validator    *auth.JWTValidator
	Logger       *slog.Logger
}

// Server is the HTTP server for the session broker.
type Server struct {
	config     *config.Config
	orch       *session.Orchestrator
	conns      *registry.Registry
	validator  *auth.JWTValidator
	logger     *slog.Logger
	httpServer *http.Server

	// done is closed by Stop; long-lived handlers watch it.
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new server instance.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		orch:      deps.Orchestrator,
		conns:     deps.Registry,
		validator: deps.Validator,
		logger:    logger,
		done:      make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// No WriteTimeout: WebSocket connections are long lived.
	}
	return s
}

// Handler returns the full middleware chain around the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	var h http.Handler = mux
	if s.validator != nil {
		h = s.validator.Middleware(h, "/health")
	}
	return corsMiddleware(h, s.config.AllowedOrigins)
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("Starting session broker", "addr", s.httpServer.Addr, "auth", s.validator != nil)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener. It returns nil after Stop.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting requests and waits for in-flight HTTP requests.
// WebSocket connections are hijacked and are closed when their sessions end.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleEndSession)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleHistory)

	mux.HandleFunc("GET /ws/{id}", s.handleChatWS)
	mux.HandleFunc("GET /vnc/{id}", s.handleVNCWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}
