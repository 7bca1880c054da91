// Package relay is a development server for conversation sync. It serves
// the history REST API and the websocket push channel the client expects,
// persists threads through internal/store and fans events out through a
// Broker so several relay processes can share one database.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/campaignhub/convsync/internal/clock"
	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/ratelimit"
	"github.com/campaignhub/convsync/internal/session"
	"github.com/campaignhub/convsync/internal/store"
)

// Config holds tunable parameters for the relay server.
type Config struct {
	ListenAddr string         // address to listen on, e.g. ":8080"
	SendRule   ratelimit.Rule // per-user send limit, applied when a limiter is set
	Hub        HubConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		SendRule:   ratelimit.Sends,
		Hub:        DefaultHubConfig(),
	}
}

// Options carries the relay's collaborators. Store is required; a nil
// Broker gets a LocalBroker, a nil Auth gets TokenAuthenticator and a nil
// Clock gets the real clock. Sessions and Limiter are optional.
type Options struct {
	Store    store.Store
	Broker   Broker
	Sessions *session.Store
	Limiter  *ratelimit.Limiter
	Auth     Authenticator
	Clock    clock.Clock
}

// Server is the relay HTTP server.
type Server struct {
	config     Config
	store      store.Store
	hub        *Hub
	limiter    *ratelimit.Limiter
	auth       Authenticator
	clock      clock.Clock
	router     chi.Router
	httpServer *http.Server
	startedAt  time.Time

	nowMu   sync.Mutex
	lastNow time.Time
}

// NewServer wires the relay's routes and websocket hub.
func NewServer(config Config, opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.Broker == nil {
		opts.Broker = NewLocalBroker()
	}
	if opts.Auth == nil {
		opts.Auth = TokenAuthenticator{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	hub, err := NewHub(config.Hub, opts.Store, opts.Broker, opts.Sessions, opts.Limiter)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		store:     opts.Store,
		hub:       hub,
		limiter:   opts.Limiter,
		auth:      opts.Auth,
		clock:     opts.Clock,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.With(requireAuth(s.auth)).Get("/ws", hub.ServeHTTP)
	s.RegisterRoutes(r)

	s.router = r
	return s, nil
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("[relay] listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.Hub.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// handleHealth responds with the relay's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.hub.Connections().Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// Shutdown stops accepting HTTP requests and closes every websocket
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[relay] shutting down server...")

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[relay] http shutdown error: %v", err)
		}
	}
	s.hub.Close()

	log.Printf("[relay] server stopped, all connections closed")
	return err
}
