package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dsrd/internal/app"
	"dsrd/internal/connector"
	"dsrd/internal/platform/config"
	"dsrd/internal/platform/logger"
)

// main runs the task execution side: a queue consumer that executes
// dispatched tasks and a periodic sweep that polls paused requests and
// recovers lost dispatches.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deployment-specific connector adapters register here; the engine
	// resolves them by the connection keys named in the dataset file.
	connectors := connector.NewRegistry()

	application, err := app.Build(ctx, cfg, connectors, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("worker consuming dispatch queue")
		return application.Queue.Consume(gctx, application.Engine.HandleMessage)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := application.Engine.RequeuePollingTasks(gctx); err != nil {
					log.Warn("sweep failed", "error", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
