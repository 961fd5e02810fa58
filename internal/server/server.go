// Package server exposes the providers over HTTP: one streaming endpoint per
// conversation plus read-only catalog, conversation, screen and usage views.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools/screens"
	"github.com/haasonsaas/switchboard/internal/usage"
)

// ProviderSource resolves provider names. *providers.Registry implements it.
type ProviderSource interface {
	Get(name string) (agent.Provider, error)
	Names() []string
	Default() string
}

// Config holds the server's collaborators. Providers and Store are required.
type Config struct {
	Providers ProviderSource
	Store     sessions.Store

	// Locker serializes requests per conversation. Default: a new Locker.
	Locker *sessions.Locker

	Screens *screens.Registry
	Usage   *usage.Tracker

	// Metrics defaults to unregistered collectors.
	Metrics *observability.Metrics

	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// Tracer defaults to a no-op tracer.
	Tracer *observability.Tracer

	Logger      *slog.Logger
	CORSOrigins []string

	// Debug forces debug events on for every stream.
	Debug bool
}

// Server is the HTTP front of switchboard.
type Server struct {
	providers ProviderSource
	store     sessions.Store
	locker    *sessions.Locker
	screens   *screens.Registry
	usage     *usage.Tracker
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
	debug     bool
	router    chi.Router
}

// New builds a server and its router.
func New(cfg Config) (*Server, error) {
	if cfg.Providers == nil {
		return nil, errors.New("server: providers are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	s := &Server{
		providers: cfg.Providers,
		store:     cfg.Store,
		locker:    cfg.Locker,
		screens:   cfg.Screens,
		usage:     cfg.Usage,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		debug:     cfg.Debug,
	}
	if s.locker == nil {
		s.locker = sessions.NewLocker()
	}
	if s.screens == nil {
		s.screens = screens.NewRegistry()
	}
	if s.usage == nil {
		s.usage = usage.NewTracker(usage.TrackerConfig{})
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	if s.tracer == nil {
		s.tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.routes(cfg)
	return s, nil
}

func (s *Server) routes(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	if cfg.MetricsHandler != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, cfg.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/providers", s.handleProviders)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Post("/conversations/{id}/stream", s.handleStream)
		r.Get("/screens", s.handleListScreens)
		r.Get("/screens/{id}", s.handleGetScreen)
		r.Get("/usage", s.handleUsage)
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeOptions configures ListenAndServe.
type ServeOptions struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// ListenAndServe serves until ctx is done, then shuts down gracefully. Open
// streams get ShutdownTimeout to finish before their connections are closed.
func (s *Server) ListenAndServe(ctx context.Context, opts ServeOptions) error {
	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener, opts)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener, opts ServeOptions) error {
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
