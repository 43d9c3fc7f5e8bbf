package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dsrd/internal/app"
	"dsrd/internal/connector"
	"dsrd/internal/platform/config"
	"dsrd/internal/platform/httpserver"
	"dsrd/internal/platform/logger"
	httptransport "dsrd/internal/transport/http"
)

// main wires dependencies and owns the HTTP lifecycle. Task execution
// happens in the worker binary; this process only accepts requests,
// reviews them, and serves status.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The API process never executes connector calls, but shares the
	// registry type so deployment-specific adapters register in one place.
	connectors := connector.NewRegistry()

	application, err := app.Build(ctx, cfg, connectors, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	handler := httptransport.NewHandler(application.Engine, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler, log))

	go func() {
		log.Info("api server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
