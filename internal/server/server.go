// Package server implements the relay backend: it verifies the identity of
// every incoming websocket connection, then drives a per-connection session
// over the shared room registry and history store.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/relaykit/chatrelay/internal/auth"
	"github.com/relaykit/chatrelay/internal/history"
	"github.com/relaykit/chatrelay/internal/registry"
	"github.com/relaykit/chatrelay/pkg/protocol"
)

// Build info stamped into saved messages, overridable via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Server accepts websocket connections and hands each one to a session. The
// registry is created once here and shared by reference with every session.
type Server struct {
	cfg      Config
	verifier auth.Verifier
	store    history.Store
	registry *registry.Registry
	allowed  map[string]struct{}
	logger   zerolog.Logger

	// mu guards listener and httpServer: Start runs in its own goroutine
	// while callers poll Addr and eventually call Stop.
	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	quit       chan struct{}
	wg         sync.WaitGroup
}

// New creates a Server. The store must already be initialized: the caller
// gates startup on store readiness, so sessions never re-check it.
func New(cfg *Config, verifier auth.Verifier, store history.Store, logger zerolog.Logger) *Server {
	sanitized := cfg.sanitized()
	allowed := make(map[string]struct{}, len(sanitized.AllowedRooms))
	for _, room := range sanitized.AllowedRooms {
		allowed[room] = struct{}{}
	}

	return &Server{
		cfg:      sanitized,
		verifier: verifier,
		store:    store,
		registry: registry.New(logger),
		allowed:  allowed,
		logger:   logger.With().Str("component", "server").Logger(),
		quit:     make(chan struct{}),
	}
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	httpServer := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server started")

	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

// Stop shuts the listener down and waits for every session to finish.
func (s *Server) Stop() {
	close(s.quit)

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer != nil {
		_ = httpServer.Shutdown(context.Background())
	}
	s.wg.Wait()
}

// Addr returns the listening address, or empty until Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleConnect verifies identity from the handshake query and upgrades the
// connection. Verification failure answers 401 before any protocol envelope
// is exchanged.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	clientID := query.Get("client")

	identity, err := s.verifyIdentity(r.Context(), token)
	if err != nil {
		s.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("connection rejected")
		http.Error(w, "login required", http.StatusUnauthorized)
		return
	}

	versions := protocol.Versions{
		Version: protocol.VersionPair{Client: query.Get("version"), Server: Version},
		Commit:  protocol.VersionPair{Client: query.Get("commit"), Server: Commit},
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(newWSWire(conn), identity, clientID, versions, s)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

func (s *Server) verifyIdentity(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" && s.cfg.DevMode {
		return auth.Identity{Email: "dev@localhost", Name: "Developer"}, nil
	}
	return s.verifier.Verify(ctx, token)
}
