// ABOUTME: Server orchestrator wiring the registry, tasking engine, fan-out, ledger, and HTTP surface.
// ABOUTME: Manages listener lifecycle and graceful shutdown.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redwing-sec/talon/internal/auth"
	"github.com/redwing-sec/talon/internal/config"
	"github.com/redwing-sec/talon/internal/logbuf"
	"github.com/redwing-sec/talon/internal/notify"
	"github.com/redwing-sec/talon/internal/store"
	"github.com/redwing-sec/talon/internal/tasking"
)

// relayPrefix is the path prefix under which the external relay forwards
// agent traffic. Only the relay should be able to reach these routes; they
// carry no authentication beyond the session id.
const relayPrefix = "/relay-int"

// Server owns the control plane's process-wide singletons: session registry,
// tasking engine, notification broadcaster, log ring buffer, and the durable
// command ledger.
type Server struct {
	cfg         *config.Config
	engine      *tasking.Engine
	broadcaster *notify.Broadcaster
	logs        *logbuf.Buffer
	ledger      *store.Ledger
	recorder    *store.Recorder
	httpServer  *http.Server
	verifier    *auth.Verifier
	logger      *slog.Logger
}

// New builds a server from configuration. The passed logger's handler is
// teed into the operational log ring buffer, so every component log line at
// Info or above reaches attached observers.
func New(cfg *config.Config, base *slog.Logger) (*Server, error) {
	if base == nil {
		base = slog.Default()
	}

	// The broadcaster deliberately logs through the un-teed handler: its
	// own lines must not re-enter the ring it publishes.
	broadcaster := notify.NewBroadcaster(base)
	logs := logbuf.New(cfg.Logs.BufferSize, broadcaster.LogLine)
	logger := slog.New(logbuf.NewHandler(base.Handler(), logs))

	ledger, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening command ledger: %w", err)
	}
	recorder := store.NewRecorder(ledger, base)

	registry := tasking.NewRegistry(cfg.Agents.StaleThreshold, cfg.Agents.DefaultPollInterval, logger)
	engine := tasking.NewEngine(registry, broadcaster, recorder, logger)

	s := &Server{
		cfg:         cfg,
		engine:      engine,
		broadcaster: broadcaster,
		logs:        logs,
		ledger:      ledger,
		recorder:    recorder,
		logger:      logger.With("component", "server"),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			ledger.Close()
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		s.verifier = verifier
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Engine exposes the tasking engine, mainly for tests and tooling.
func (s *Server) Engine() *tasking.Engine { return s.engine }

// routes assembles the HTTP mux: relay-facing agent endpoints, operator API,
// and health probes.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints, no auth
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	// Relay-facing agent endpoints. Never authenticated: possession of a
	// session id is the whole trust model, the relay is the network boundary.
	mux.HandleFunc(relayPrefix+"/api/agent/hello", s.handleHello)
	mux.HandleFunc(relayPrefix+"/api/agent/", s.handleAgentRoutes)

	// Operator endpoints, bearer-token guarded when a secret is configured
	operator := http.NewServeMux()
	operator.HandleFunc("/api/ui/sessions", s.handleListSessions)
	operator.HandleFunc("/api/ui/sessions/", s.handleSessionRoutes)
	operator.HandleFunc("/api/ui/commands", s.handleQueueCommand)
	operator.HandleFunc("/api/ui/logs", s.handleLogs)
	operator.HandleFunc("/api/ui/stream", s.handleStream)

	if s.verifier != nil {
		mux.Handle("/api/ui/", auth.Middleware(s.verifier)(operator))
		s.logger.Info("operator API auth enabled")
	} else {
		mux.Handle("/api/ui/", operator)
		s.logger.Warn("operator API auth disabled - no jwt_secret configured")
	}

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.broadcaster.Close()
	s.recorder.Close()
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the command ledger is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("ledger unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(s.engine.Sessions()))
}

// writeJSON writes a JSON response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeJSONError writes a JSON error response.
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
