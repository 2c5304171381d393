// Package server is the agent session gateway: it upgrades authenticated
// clients to WebSocket connections, runs one protocol state machine per
// connection, and owns the registries and liveness sweep shared by all of
// them. Registries are per-Server, never package globals, so several
// gateways can coexist in one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/workspace/agent-gateway/internal/auth"
	"github.com/workspace/agent-gateway/internal/config"
	"github.com/workspace/agent-gateway/internal/persistence"
	"github.com/workspace/agent-gateway/internal/session"
	"github.com/workspace/agent-gateway/internal/transcript"
	"github.com/workspace/agent-gateway/internal/worker"
	"github.com/workspace/agent-gateway/internal/workspace"
)

// localUserID is the identity assigned to every caller when authentication
// is disabled.
const localUserID = "local"

// Server is one gateway instance.
type Server struct {
	config     *config.Config
	httpServer *http.Server

	authenticator  auth.Authenticator
	jwtValidator   *auth.JWTValidator // nil when auth is disabled
	sessionManager *auth.SessionManager

	store       *persistence.Store
	sessions    *session.Registry
	workspaces  *workspace.Manager
	workers     *worker.Supervisor
	transcripts *transcript.Reader
	conns       *connRegistry

	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// New wires a Server from configuration. Nothing starts listening until
// Start; tests drive the returned handler through httptest instead.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &Server{
		config:      cfg,
		store:       store,
		sessions:    session.NewRegistry(store),
		workspaces:  workspace.NewManager(cfg.WorkspaceRoot, cfg.EngineConfigDir),
		transcripts: transcript.NewReader(cfg.TranscriptRoot),
		conns:       newConnRegistry(),
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}

	s.workers = worker.NewSupervisor(worker.Config{
		Command:     cfg.EngineCommand,
		ExtraArgs:   cfg.EngineArgs,
		GracePeriod: cfg.WorkerGracePeriod,
		Timeout:     cfg.WorkerTimeout,
	})

	if cfg.AuthDisabled {
		slog.Warn("Authentication is DISABLED, all callers share one identity", "userId", localUserID)
		s.authenticator = auth.Static{UserID: localUserID}
	} else {
		validator, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("initialize JWT validator: %w", err)
		}
		s.jwtValidator = validator
		s.sessionManager = auth.NewSessionManager(auth.SessionManagerConfig{
			CookieName:      cfg.CookieName,
			Secure:          cfg.CookieSecure,
			TTL:             cfg.SessionTTL,
			CleanupInterval: cfg.SessionCleanupInterval,
		})
		s.authenticator = &auth.Verifier{Validator: validator, Sessions: s.sessionManager}
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally left at 0 because WebSocket connections
	// are long-lived. Go's http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn BEFORE the handler runs, which kills hijacked
	// WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler returns the root handler, CORS middleware included. Tests mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the liveness sweep and serves HTTP until the listener fails
// or Stop shuts it down.
func (s *Server) Start() error {
	go s.heartbeatLoop()

	slog.Info("Starting agent gateway", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the gateway down: no new upgrades, every open
// connection closed, every live worker terminated before return (bounded
// by ctx). Safe to call once; main invokes it on SIGINT/SIGTERM.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	// Close connections first so their workers get abort signals, then
	// hold the shutdown until the processes are confirmed gone.
	conns := s.conns.snapshot()
	var live []*worker.Worker
	for _, c := range conns {
		if w := c.liveWorker(); w != nil {
			live = append(live, w)
		}
		c.shutdown()
	}
	for _, w := range live {
		select {
		case <-w.Done():
		case <-ctx.Done():
			slog.Warn("Shutdown deadline reached with a worker still exiting")
		}
	}

	if s.jwtValidator != nil {
		s.jwtValidator.Close()
	}
	if s.sessionManager != nil {
		s.sessionManager.Close()
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close session store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Authentication
	mux.HandleFunc("POST /api/auth/token", s.handleTokenAuth)
	mux.HandleFunc("GET /api/auth/session", s.handleSessionCheck)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	// Workspace session metadata
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	// Agent WebSocket
	mux.HandleFunc("GET /agent/ws", s.handleAgentWS)
}

// authenticate resolves the caller's identity or writes the rejection.
// Credential failures get 401, internal auth faults get 500; in both cases
// the response is already written and the caller just returns.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.authenticator.Authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
		} else {
			slog.Error("Authentication fault", "error", err, "path", r.URL.Path)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return "", false
	}
	return userID, true
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
