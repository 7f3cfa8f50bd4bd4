// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rillation/enrichment-runtime/internal/app"
	"github.com/rillation/enrichment-runtime/internal/config"
	"github.com/rillation/enrichment-runtime/internal/logging"
	"github.com/rillation/enrichment-runtime/internal/persistence/postgres"
	"github.com/rillation/enrichment-runtime/internal/repository"
	"github.com/rillation/enrichment-runtime/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger, closer, err := logging.NewLoggerWithFile(cfg.Env, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer closer.Close()

	pool, err := postgres.NewPoolWithOptions(ctx, cfg.DatabaseURL, postgres.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
	})
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	recordRepo := repository.NewRecordRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	client, err := app.NewProviderClient(cfg, logger)
	if err != nil {
		log.Fatalf("provider setup failed: %v", err)
	}

	eng := app.NewEngine(cfg, client, app.Stores{
		Records: recordRepo,
		Events:  eventRepo,
	}, logger)

	w := worker.New(worker.Deps{
		Records:       recordRepo,
		Engine:        eng,
		Logger:        logger.With("component", "worker"),
		PollInterval:  cfg.WorkerPollInterval,
		ReclaimAfter:  cfg.ReclaimAfter,
		WebhookSecret: cfg.WebhookSecret,
	})

	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
