// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rillation/enrichment-runtime/internal/app"
	"github.com/rillation/enrichment-runtime/internal/config"
	"github.com/rillation/enrichment-runtime/internal/logging"
	"github.com/rillation/enrichment-runtime/internal/persistence/postgres"
	"github.com/rillation/enrichment-runtime/internal/repository"
	httptransport "github.com/rillation/enrichment-runtime/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	recordRepo := repository.NewRecordRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)
	planRunRepo := repository.NewPlanRunRepository(pool, logger)

	client, err := app.NewProviderClient(cfg, logger)
	if err != nil {
		log.Fatalf("provider setup failed: %v", err)
	}

	eng := app.NewEngine(cfg, client, app.Stores{
		Records: recordRepo,
		Events:  eventRepo,
		Runs:    planRunRepo,
	}, logger)

	handler := httptransport.NewRouter(httptransport.Deps{
		Records:       recordRepo,
		Events:        eventRepo,
		Engine:        eng,
		HealthChecker: postgres.NewSchemaHealthChecker(pool),
		Logger:        logger,
		AdminToken:    cfg.AdminToken,
		Version:       Version,
		Commit:        Commit,
		BuildDate:     BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
