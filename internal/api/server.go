// Package api is the local HTTP surface used by the browser adapter. It
// accepts normalized browser signals and purchase requests and streams UI
// commands back over a websocket.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goodtune/tollgate/internal/agent"
	"github.com/goodtune/tollgate/internal/desktop"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/ui"
	"github.com/rs/zerolog"
)

// Agent is the part of *agent.Agent the API drives.
type Agent interface {
	HandleSignal(ctx context.Context, sig agent.Signal) error
	View(ctx context.Context) (agent.View, error)
	StartPack(ctx context.Context, domain string, minutes int) (storage.PaywallSession, error)
	StartMetered(ctx context.Context, domain string) (storage.PaywallSession, error)
	StartEmergency(ctx context.Context, domain, justification, allowedURL string) (storage.PaywallSession, error)
	StartStore(ctx context.Context, domain string, price int) (storage.PaywallSession, error)
	StartChallengePass(ctx context.Context, domain string) (storage.PaywallSession, error)
	EndSession(ctx context.Context, domain string) (int, error)
	PauseSession(ctx context.Context, domain string) (storage.PaywallSession, error)
	ResumeSession(ctx context.Context, domain string) (storage.PaywallSession, error)
	RequestFocusOverride(ctx context.Context, req focus.OverrideRequest) error
	SaveLibraryItem(ctx context.Context, item storage.LibraryItem) (storage.LibraryItem, error)
	Categorise(ctx context.Context, categories map[string]string) error
	UpdateOnboarding(ctx context.Context, patch storage.DailyOnboardingPatch) (storage.DailyOnboardingState, error)
}

// Sync reports on and refreshes the desktop connection.
type Sync interface {
	Status() desktop.Status
	Refresh(ctx context.Context) error
}

// Config holds API server configuration
type Config struct {
	ListenAddr     string
	CommandBuffer  int
	RequestTimeout time.Duration
}

// Server is the local adapter API server
type Server struct {
	agent    Agent
	sync     Sync
	hub      *ui.Hub
	cfg      Config
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates the API server
func NewServer(cfg Config, a Agent, sync Sync, hub *ui.Hub, logger zerolog.Logger) *Server {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 32
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		agent:  a,
		sync:   sync,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		// The command stream is long-lived and must not inherit the timeout.
		r.Get("/commands", s.handleCommands)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/signals", s.handleSignal)
			r.Get("/status", s.handleStatus)

			r.Route("/paywall", func(r chi.Router) {
				r.Post("/packs", s.handlePack)
				r.Post("/metered", s.handleMetered)
				r.Post("/emergency", s.handleEmergency)
				r.Post("/store", s.handleStore)
				r.Post("/challenge-pass", s.handleChallengePass)
				r.Post("/end", s.handleEnd)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
			})

			r.Post("/focus/override", s.handleFocusOverride)

			r.Post("/library", s.handleLibrary)
			r.Post("/categorisation", s.handleCategorisation)
			r.Post("/onboarding", s.handleOnboarding)
		})
	})

	return r
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts serving in the background
func (s *Server) Start() error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Starting local API server")
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Wait a bit to surface bind errors
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the server down, giving requests five seconds to finish
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping local API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("API server shutdown error: %w", err)
	}
	return nil
}
