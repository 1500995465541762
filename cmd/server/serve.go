package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"pluginlookup/internal/domain"
	"pluginlookup/internal/handler"
	"pluginlookup/internal/hub"
	"pluginlookup/internal/logging"
	"pluginlookup/internal/registry"
	"pluginlookup/internal/supervisor"
	"pluginlookup/internal/telemetry"
	"pluginlookup/internal/watcher"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lookup daemon and its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
}

// refreshPayload is broadcast to SSE clients after every refresh
type refreshPayload struct {
	Result supervisor.Result `json:"result"`
	Error  string            `json:"error,omitempty"`
}

func runServe(parent context.Context) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}
	logger.Info().Msg("starting pluginlookup")
	logger.Debug().Msg(cfg.Summary())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := telemetry.Noop()
	var registerer *prometheus.Registry
	if cfg.Telemetry.Enabled {
		registerer = prometheus.NewRegistry()
		registerer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pc, err := telemetry.NewPrometheusCollector(registerer)
		if err != nil {
			return err
		}
		collector = pc
	}

	srcs, err := buildSources(cfg, logger)
	if err != nil {
		return err
	}
	defer srcs.Close()

	connector, err := buildConnector(cfg)
	if err != nil {
		return err
	}

	scanner := registry.NewScanner(srcs.source,
		registry.WithLogger(logging.Component(logger, "scanner")),
		registry.WithCollector(collector),
	)

	sseHub := hub.New(logging.Component(logger, "hub"))
	go sseHub.Run(ctx)

	opts := supervisorOptions(cfg, logger, collector)
	opts = append(opts, supervisor.WithOnRefresh(func(res supervisor.Result, err error) {
		payload := refreshPayload{Result: res}
		if err != nil {
			payload.Error = err.Error()
		}
		sseHub.Broadcast(domain.NewEvent(domain.EventProvidersRefreshed, payload))
	}))

	sup, err := supervisor.New(scanner, connector, opts...)
	if err != nil {
		return err
	}
	sup.Subscribe(sseHub)

	mux := http.NewServeMux()
	handler.NewProviderHandler(sup, logging.Component(logger, "api")).Register(mux)
	mux.Handle("GET /events", sseHub)
	health := handler.NewHealth(sup)
	mux.HandleFunc("GET /live", health.LiveEndpoint)
	mux.HandleFunc("GET /ready", health.ReadyEndpoint)
	if registerer != nil {
		mux.Handle("GET "+cfg.Telemetry.Path, promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	}

	httpLogger := logging.Component(logger, "http")
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Chain(mux, handler.Recover(httpLogger), handler.CORS, handler.Logger(httpLogger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// A registry that is down at startup is not fatal: readiness reports it
	// and the next refresh retries.
	if err := sup.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial refresh failed")
	}
	if cfg.Playback.Enabled {
		if err := sup.ConnectPlayback(); err != nil {
			logger.Warn().Err(err).Msg("failed to connect playback")
		}
	}

	if cfg.Discovery.Watch && cfg.Discovery.Sources.Manifests.Enabled {
		w := watcher.New(cfg.Discovery.Sources.Manifests.Paths,
			func() {
				if _, err := sup.Refresh(ctx); err != nil && !errors.Is(err, supervisor.ErrClosed) {
					logger.Warn().Err(err).Msg("refresh after manifest change failed")
				}
			},
			watcher.WithMaxDepth(cfg.Discovery.Sources.Manifests.MaxDepth),
			watcher.WithFilter(registry.IsManifestFile),
			watcher.WithLogger(logging.Component(logger, "watcher")),
		)
		go func() {
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("manifest watcher stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := sup.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
