// Package app assembles the engine from configuration. Both binaries (API
// server and worker) share this wiring so their views of the system cannot
// drift apart.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"dsrd/internal/checkpoint"
	"dsrd/internal/connector"
	"dsrd/internal/engine"
	"dsrd/internal/execlog"
	"dsrd/internal/graph"
	"dsrd/internal/identity"
	"dsrd/internal/platform/config"
	"dsrd/internal/platform/metrics"
	"dsrd/internal/platform/postgres"
	"dsrd/internal/platform/queue"
	platformredis "dsrd/internal/platform/redis"
	"dsrd/internal/request"
	"dsrd/internal/runner"
	"dsrd/internal/scheduler"
	"dsrd/internal/task"
	"dsrd/internal/task/builder"
)

// App is the assembled process: the engine plus the infrastructure handles
// that need closing on shutdown.
type App struct {
	Engine *engine.Engine
	Queue  *queue.Kafka

	db    *sql.DB
	redis *platformredis.Client
}

// Build connects infrastructure and wires the engine. Connectors are
// registered by the caller before traffic starts.
func Build(ctx context.Context, cfg config.Config, connectors *connector.Registry, logger *slog.Logger) (*App, error) {
	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	if redisClient == nil {
		db.Close()
		return nil, fmt.Errorf("redis is required: set DSRD_REDIS_URL")
	}

	kafka, err := queue.NewKafka(ctx, cfg.Kafka, redisClient.Client, cfg.Engine.InFlightTTL, logger)
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, err
	}

	datasets, err := graph.LoadFile(cfg.DatasetFile)
	if err != nil {
		return nil, err
	}
	policies, err := request.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	hasher, err := identity.NewHasher([]byte(cfg.SecretKey))
	if err != nil {
		return nil, err
	}
	encryptor, err := identity.NewAESGCM([]byte(cfg.SecretKey))
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	requests := request.NewPostgres(db)
	tasks := task.NewPostgres(db)
	log := execlog.NewPostgres(db)
	checkpoints := checkpoint.NewRedis(redisClient.Client, checkpoint.TTLs{
		Failed: cfg.Engine.CheckpointTTL,
		Paused: cfg.Engine.PausedCheckpointTTL,
	})

	eng := engine.New(engine.Deps{
		Requests:    requests,
		Policies:    policies,
		Tasks:       tasks,
		Log:         log,
		Builder:     builder.New(tasks, logger),
		Scheduler:   scheduler.New(tasks, log, kafka, m, logger),
		Runner:      runner.New(tasks, requests, policies, log, connectors, cfg.Engine, m, logger),
		Checkpoints: checkpoints,
		Dispatcher:  kafka,
		Hasher:      hasher,
		Encryptor:   encryptor,
		Datasets:    datasets,
		Metrics:     m,
		Logger:      logger,
	})

	return &App{Engine: eng, Queue: kafka, db: db, redis: redisClient}, nil
}

// Close releases infrastructure connections.
func (a *App) Close() {
	a.Queue.Close()
	a.redis.Close()
	a.db.Close()
}
