package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/api"
	"mailqueue/internal/config"
	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/metrics"
	"mailqueue/internal/queue"
)

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Store
	// ------------------------------------------------
	store, err := db.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender, closeSender, err := email.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("sender setup failed", zap.Error(err))
	}
	defer closeSender()

	// ------------------------------------------------
	// Queue (fast path + worker pool)
	// ------------------------------------------------
	q := queue.New(store, sender, logger, queue.OptionsFromConfig(cfg))

	if err := q.Start(ctx); err != nil {
		logger.Fatal("queue start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()
	metrics.StartQueueCollector(ctx, q, cfg.MetricsInterval, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	hub := api.NewStatsHub(q, logger)
	go hub.Run(ctx, cfg.MetricsInterval)

	apiHandler := &api.Handler{
		Queue:       q,
		Log:         logger,
		StuckAfter:  cfg.StuckAfter,
		MaxBulkRows: cfg.MaxBulkRows,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(apiHandler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new jobs
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Let workers finish their current job
	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer graceCancel()

	if err := q.Stop(graceCtx); err != nil {
		logger.Warn("queue stopped before workers finished; jobs left in sending need reset-stuck",
			zap.Error(err),
		)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
