package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fragserve/fragserve/config"
	"github.com/fragserve/fragserve/fetch"
	"github.com/fragserve/fragserve/handler"
	"github.com/fragserve/fragserve/internal/metrics"
	"github.com/fragserve/fragserve/internal/server"
	"github.com/fragserve/fragserve/internal/telemetry"
	"github.com/fragserve/fragserve/templatefeed"
)

// Server owns the fragment HTTP listener, the metrics listener, and every
// collaborator handler.Handler needs, wired from cfg.
type Server struct {
	cfg          *config.Config
	templateRoot string
	logger       *zap.Logger
	otel         *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager
	fetchClient    *fetch.Client

	wg sync.WaitGroup
}

// NewServer constructs a Server. Start must be called before it serves
// traffic.
func NewServer(cfg *config.Config, templateRoot string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:          cfg,
		templateRoot: templateRoot,
		logger:       logger,
		otel:         otelProviders,
	}
}

// Start wires the handler and brings up the HTTP and metrics listeners.
func (s *Server) Start() error {
	metricsCollector := metrics.NewCollector("fragserve", s.logger)

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.MaxUpstreamConns = s.cfg.Fragment.MaxUpstreamConns
	s.fetchClient = fetch.New(fetchCfg, nil, s.logger)

	source := newFSTemplateSource(s.templateRoot)

	h := handler.New(handler.Config{
		FetchTemplate:          source.FetchTemplate,
		FetchContext:           source.FetchContext,
		ParseTemplate:          templatefeed.Parse,
		Fetcher:                s.fetchClient,
		MaxAssetLinks:          s.cfg.Fragment.MaxAssetLinks,
		DefaultFragmentTimeout: s.cfg.Fragment.DefaultTimeout,
		AllowedRequestHeaders:  s.cfg.Fragment.AllowedRequestHeaders,
		FallbackHTML:           s.cfg.Fragment.FallbackHTML,
		Metrics:                metricsCollector,
		Tracer:                 otel.Tracer("github.com/fragserve/fragserve/cmd/fragserve"),
		Logger:                 s.logger,
	})

	if err := s.startHTTPServer(h); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("fragserve started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
		zap.String("template_root", s.templateRoot),
	)
	return nil
}

func (s *Server) startHTTPServer(h http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/version", handleVersion)
	mux.Handle("/", h)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  s.cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(mux, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "fragserve %s (%s, %s)\n", Version, BuildTime, GitCommit)
}

// WaitForShutdown blocks for SIGINT/SIGTERM or a server error, then shuts
// every component down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown gracefully stops every owned component.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down fragserve")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.fetchClient != nil {
		s.fetchClient.Close()
	}
	if s.otel != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("fragserve shutdown complete")
}
