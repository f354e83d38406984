package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/database"
	"github.com/pixelmind/backend/internal/events"
	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/provider"
	"github.com/pixelmind/backend/internal/services"
	"github.com/pixelmind/backend/internal/store"
	"github.com/pixelmind/backend/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := database.OpenRedis(ctx, cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	st := store.NewPostgres(db)
	auditLogger := audit.NewLogger()
	ledger := services.NewLedgerService(auditLogger)
	cache := services.NewJobCache(redisClient, 10*time.Minute)
	reconciler := services.NewReconciler(st, ledger, cache, auditLogger, services.RetryPolicy{
		Attempts: cfg.Worker.RefundAttempts,
		Backoff:  cfg.Worker.RefundBackoff,
	})

	gateway := provider.New(cfg.Provider)
	publisher := events.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	defer publisher.Close()

	relay := worker.NewRelay(st, gateway, reconciler, publisher, logger, cfg.Worker)
	poller := worker.NewPoller(st, gateway, reconciler, logger, cfg.Worker)
	scheduler := worker.NewScheduler(worker.NewJobs(st, reconciler, logger, cfg.Worker.JobTimeout), logger, cfg.Worker)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); relay.Run(ctx) }()
	go func() { defer wg.Done(); poller.Run(ctx) }()
	logger.Info("worker started", "provider_mode", cfg.Provider.Mode)

	<-ctx.Done()
	logger.Info("worker shutting down")

	wg.Wait()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
