// Package api exposes the statistics control surface over HTTP: row
// enumeration with optional CEL filters, resets, token minting, the
// generation archive and a live websocket feed.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opstat/opstat/internal/archive"
	"github.com/opstat/opstat/internal/auth"
	"github.com/opstat/opstat/internal/config"
	"github.com/opstat/opstat/internal/filter"
	"github.com/opstat/opstat/internal/service"
)

type contextKey string

const roleContextKey contextKey = "role"

// Server is the statistics control API server.
type Server struct {
	config       config.ServerConfig
	svc          *service.Service
	archive      *archive.SQLiteArchive
	filters      *filter.Evaluator
	tokenManager *auth.TokenManager
	wsHub        *StatsHub
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer creates a control API server. arch may be nil when the
// generation archive is disabled.
func NewServer(
	cfg config.ServerConfig,
	svc *service.Service,
	arch *archive.SQLiteArchive,
	tokenManager *auth.TokenManager,
	logger *slog.Logger,
) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	filters, err := filter.NewEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("building filter evaluator: %w", err)
	}

	s := &Server{
		config:       cfg,
		svc:          svc,
		archive:      arch,
		filters:      filters,
		tokenManager: tokenManager,
		wsHub:        NewStatsHub(logger, cfg.CORS),
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "api"),
	}

	s.registerRoutes()
	return s, nil
}

// authRequired wraps a handler with token-based authentication. With
// auth disabled every request proceeds as admin.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if !s.config.Auth.Enabled || s.tokenManager == nil {
		return func(w http.ResponseWriter, r *http.Request) {
			next(w, r.WithContext(context.WithValue(r.Context(), roleContextKey, auth.RoleAdmin)))
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokenManager.ValidateToken(secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), roleContextKey, token.Role)))
	}
}

// requestRole returns the authenticated role stored by authRequired.
func requestRole(r *http.Request) auth.Role {
	if role, ok := r.Context().Value(roleContextKey).(auth.Role); ok {
		return role
	}
	return auth.RoleAdmin
}

func (s *Server) registerRoutes() {
	// Statistics
	s.mux.HandleFunc("GET /api/stats", s.authRequired("stats.read", s.handleStats))
	s.mux.HandleFunc("POST /api/stats/reset", s.authRequired("stats.reset", s.handleReset))

	// Archive
	s.mux.HandleFunc("GET /api/archive/generations", s.authRequired("archive.read", s.handleListGenerations))
	s.mux.HandleFunc("GET /api/archive/generations/{id}", s.authRequired("archive.read", s.handleGetGeneration))

	// Tokens
	s.mux.HandleFunc("POST /api/tokens", s.authRequired("token.create", s.handleCreateToken))

	// System. Health is always public.
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/stats", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler (for tests and embedding).
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address and begins the
// periodic websocket stats feed.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run(s.config.StreamInterval, s.streamPayload)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("control API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
