package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strandloop/strand/internal/config"
	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/observability"
	"github.com/strandloop/strand/internal/orchestrator"
	"github.com/strandloop/strand/internal/server"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/internal/tools"
)

// runServe implements the serve command: configuration loading, wiring,
// and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting strand",
		"version", version,
		"commit", commit,
		"config", configPath,
		"listen", cfg.Server.Addr(),
	)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	llmClient := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL,
		llm.WithRetries(cfg.LLM.MaxRetries, 500*time.Millisecond),
		llm.WithLogger(logger),
	)

	// Cancel on shutdown signals from here on.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, traceConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var orch *orchestrator.Orchestrator
	if len(cfg.ToolSources) > 0 {
		orch = orchestrator.New(orchestrator.Options{
			Sources: cfg.ToolSources,
			LLM:     llmClient,
			Model:   cfg.Run.Model,
			Logger:  logger,
		})
		if err := orch.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize toolsets: %w", err)
		}
		logger.Info("toolsets initialized", "count", len(orch.ToolSets()))
	}

	var metrics *observability.Metrics
	var metricsSrv *http.Server
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics()
		metricsSrv = serveMetrics(cfg.Observability.Metrics.Addr, metrics, logger)
	}

	srv, err := server.New(server.Options{
		Store:        st,
		LLM:          llmClient,
		Orchestrator: orch,
		DefaultTools: tools.NewBuiltinProvider(nil),
		BaseConfig:   &cfg.Run,
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("strand started", "addr", cfg.Server.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("strand stopped gracefully")
	return nil
}

// openStore builds the configured store backend. The returned func
// closes it, a no-op for the memory backend.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "", config.StoreMemory:
		return store.NewMemoryStore(), func() {}, nil

	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.StorePostgres:
		pool := store.DefaultPostgresConfig()
		if cfg.Store.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Store.MaxOpenConns
		}
		if cfg.Store.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Store.MaxIdleConns
		}
		if cfg.Store.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Store.ConnMaxLifetime
		}
		s, err := store.NewPostgresStore(cfg.Store.DSN, pool)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	tc := observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	}
	if cfg.Observability.Tracing.Enabled {
		tc.Endpoint = cfg.Observability.Tracing.Endpoint
	}
	return tc
}

// serveMetrics starts the Prometheus endpoint on its own listener so
// scrapes never contend with the API.
func serveMetrics(addr string, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
