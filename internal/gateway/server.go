package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/internal/config"
	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/internal/sessions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the gateway: one WebSocket endpoint serving the connect
// handshake, namespaced method dispatch, and event streaming described by
// the protocol in this package, plus a plain HTTP healthz endpoint.
type Server struct {
	orchestrator *agent.Orchestrator
	sessions     sessions.Store
	events       eventstore.Store
	approvals    *agent.ApprovalManager
	bus          *agent.EventBus
	auth         AuthStore
	nodes        *nodeRegistry
	conns        *connRegistry
	relay        *relayRegistry
	logger       *slog.Logger

	cfgMu        sync.RWMutex
	cfg          *config.Config
	defaults     *config.Config
	overridePath string

	methodTable map[string]methodEntry

	httpServer *http.Server
}

// Config bundles Server's dependencies; every field is required except
// Approvals, Bus, OverridePath, and Logger.
type Config struct {
	Orchestrator *agent.Orchestrator
	Sessions     sessions.Store
	Events       eventstore.Store
	Approvals    *agent.ApprovalManager
	Bus          *agent.EventBus
	Auth         AuthStore
	Cfg          *config.Config
	Defaults     *config.Config
	OverridePath string
	Logger       *slog.Logger
}

// NewServer builds a Server ready to handle connections via ServeHTTP.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orchestrator: cfg.Orchestrator,
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		approvals:    cfg.Approvals,
		bus:          cfg.Bus,
		auth:         cfg.Auth,
		nodes:        newNodeRegistry(),
		conns:        newConnRegistry(),
		relay:        newRelayRegistry(),
		logger:       logger,
		cfg:          cfg.Cfg,
		defaults:     cfg.Defaults,
		overridePath: cfg.OverridePath,
	}
	s.methodTable = s.buildMethodTable()
	return s
}

// ServeHTTP upgrades /ws connections and serves /healthz directly; mount
// this at the root of an http.ServeMux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		s.handleHealthz(w, r)
	case "/ws":
		s.handleWebSocket(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, s, s.logger)

	var sub *agentEventSub
	if s.bus != nil {
		sub = s.subscribeEvents(c)
		defer sub.stop()
	}

	c.serve()
}

// ListenAndServe starts the HTTP server bound to addr, blocking until ctx
// is cancelled or the server returns a non-shutdown error.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
