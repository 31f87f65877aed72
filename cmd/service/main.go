package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/config"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/httpapi"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/lifecycle"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/ratelimit"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/store"
)

func main() {
	logger, err := observability.NewLogger("service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 15*time.Second)
	db, err := store.New(connectCtx, cfg.DatabaseURL, logger)
	connectCancel()
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("migrate", zap.Error(err))
	}
	migrateCancel()

	gate := ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax)
	logger.Info("rate gate configured",
		zap.Duration("window", gate.Window()), zap.Int("limit", gate.Limit()))

	handler := httpapi.NewHandler(db, gate, logger)
	router := httpapi.NewRouter(handler, logger, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httpapi.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := httpapi.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed",
			zap.Error(err), zap.Int64("remaining", httpapi.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
