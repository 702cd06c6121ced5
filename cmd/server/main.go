package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tilli/master-agent/internal/loader"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

var version = "development"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/app-config.yaml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loader.LoadConfig(ctx, configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}
	if cfg.Version == "" {
		cfg.Version = version
	}

	loader.InitLogger(cfg)
	defer logger.Sync()

	tp := telemetry.InitTracing(cfg.Tracing, cfg.Version)

	app, err := loader.BuildApp(ctx, cfg)
	if err != nil {
		logger.Fatal("Startup failed: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(app.Handler, "master-agent"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", addr, "version", cfg.Version, "environment", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			logger.Errorw("HTTP server error", "error", err)
		}
	}

	// new requests get 503 from here on; liveness stays up
	app.FailSafe.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Errorf("Resource cleanup error: %v", err)
	}
	if err := telemetry.ShutdownTracing(shutdownCtx, tp); err != nil {
		logger.Errorf("Tracer shutdown error: %v", err)
	}
	logger.Info("Server stopped")
}
