package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/server"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/internal/tools/files"
	"github.com/haasonsaas/switchboard/internal/tools/screens"
	"github.com/haasonsaas/switchboard/internal/usage"
)

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard HTTP server",
		Long: `Start the HTTP server with every configured provider.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Build the tool catalog and the provider registry
3. Open the conversation store
4. Serve the streaming API, health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (every provider, in-memory store)
  switchboard serve

  # Start with a config file and debug logging
  switchboard serve --config /etc/switchboard.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging and debug events")
	return cmd
}

// app is everything built from the configuration that a command needs.
type app struct {
	providers *providers.Registry
	screens   *screens.Registry
}

// buildApp assembles the tool catalog and the provider registry.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	resolver, err := files.NewResolver(cfg.Workspace.Roots...)
	if err != nil {
		return nil, fmt.Errorf("workspace roots: %w", err)
	}

	screenRegistry := screens.NewRegistry()
	toolOpts := tools.Options{
		Enabled:        cfg.Tools.Enabled,
		MaxReadBytes:   cfg.Tools.MaxReadBytes,
		MaxGlobResults: cfg.Tools.MaxGlobResults,
		MaxGrepMatches: cfg.Tools.MaxGrepMatches,
		Shell:          cfg.Tools.ShellConfig(),
	}
	if cfg.Tools.ScreensOn() {
		toolOpts.Screens = screenRegistry
	}
	toolRegistry, err := tools.NewRegistry(toolOpts)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	registry, err := providers.NewRegistry(cfg.ProviderSettings(), providers.Shared{
		Tools:   toolRegistry,
		Paths:   resolver,
		WorkDir: cfg.Workspace.WorkDir,
		Logger:  logger,
	}, cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}
	return &app{providers: registry, screens: screenRegistry}, nil
}

// openStore opens the configured conversation store. The returned func
// releases it.
func openStore(ctx context.Context, cfg config.StorageConfig) (sessions.Store, func(), error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		store, err := sessions.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Warn("close sqlite store", "error", err)
			}
		}, nil
	default:
		return sessions.NewMemoryStore(), func() {}, nil
	}
}

// runServe implements the serve command logic.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, debug)
	logger.Info("starting switchboard",
		"version", version,
		"commit", commit,
		"config", resolveConfigPath(configPath),
		"debug", debug,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	for _, name := range rt.providers.Names() {
		p, _ := rt.providers.Get(name)
		logger.Info("provider configured", "name", name, "type", p.Type(), "available", p.Available())
	}

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	tracer, shutdownTracer := observability.NewTracer(cfg.Tracing.TraceConfig(version))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	serverCfg := server.Config{
		Providers:   rt.providers,
		Store:       store,
		Screens:     rt.screens,
		Usage:       usage.NewTracker(usage.TrackerConfig{}),
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
		Debug:       cfg.Server.Debug || debug,
	}
	if cfg.Metrics.On() {
		serverCfg.MetricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		serverCfg.MetricsPath = cfg.Metrics.Path
	}
	srv, err := server.New(serverCfg)
	if err != nil {
		return err
	}

	err = srv.ListenAndServe(ctx, server.ServeOptions{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	})
	logger.Info("switchboard stopped")
	return err
}
