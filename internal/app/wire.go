// SPDX-License-Identifier: Apache-2.0

// Package app assembles the provider client, executors, scheduler and
// engine from configuration. The binaries share it so the API, the
// worker and the CLI submit records identically.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rillation/enrichment-runtime/internal/config"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/engine"
	"github.com/rillation/enrichment-runtime/internal/provider"
	"github.com/rillation/enrichment-runtime/internal/repository"
	"github.com/rillation/enrichment-runtime/internal/worker/executors"
)

// RecordStore is what the engine needs from record storage.
type RecordStore interface {
	repository.RecordStore
	engine.RecordCreator
}

// Stores groups the persistence the engine writes to. Runs may be nil.
type Stores struct {
	Records RecordStore
	Events  repository.EventLog
	Runs    engine.PlanRunStore
}

// Credentials picks the provider credential source. A token file wins over
// a literal token; with neither, every provider call fails with
// domain.ErrCredentialUnavailable.
func Credentials(cfg config.Config) provider.CredentialProvider {
	switch {
	case strings.TrimSpace(cfg.ProviderTokenFile) != "":
		return provider.FileCredentials{Path: cfg.ProviderTokenFile}
	case strings.TrimSpace(cfg.ProviderToken) != "":
		return provider.StaticCredentials(strings.TrimSpace(cfg.ProviderToken))
	default:
		return provider.CredentialFunc(func(context.Context) (string, error) {
			return "", fmt.Errorf("%w: set PROVIDER_TOKEN or PROVIDER_TOKEN_FILE", domain.ErrCredentialUnavailable)
		})
	}
}

func NewProviderClient(cfg config.Config, logger *slog.Logger) (*provider.Client, error) {
	client, err := provider.NewClient(provider.Config{
		BaseURL:        cfg.ProviderBaseURL,
		WorkspaceID:    cfg.ProviderWorkspaceID,
		Credentials:    Credentials(cfg),
		RequestsPerMin: cfg.ProviderRequestsPerMin,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("provider client: %w", err)
	}
	return client, nil
}

// NewEngine wires every step executor against client.
func NewEngine(cfg config.Config, client *provider.Client, stores Stores, logger *slog.Logger) *engine.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	addSource := executors.NewAddSourceExecutor(executors.AddSourceDeps{
		Provider:        client,
		Store:           stores.Records,
		Events:          stores.Events,
		Logger:          logger.With("component", "add_source"),
		PreviewTimeout:  cfg.PreviewTimeout,
		CreateTimeout:   cfg.CreateTimeout,
		PopulateTimeout: cfg.PopulateTimeout,
	})
	operation := executors.NewOperationExecutor(executors.OperationDeps{
		Provider: client,
		Logger:   logger.With("component", "operation"),
	})

	scheduler := engine.NewScheduler(engine.SchedulerDeps{
		Executors: map[domain.StepType]engine.StepExecutor{
			domain.StepAddSource:      addSource,
			domain.StepCreateWorkbook: operation,
			domain.StepAddColumn:      operation,
			domain.StepRunEnrichment:  operation,
		},
		Logger:         logger.With("component", "scheduler"),
		MaxConcurrency: cfg.MaxConcurrency,
		FailFast:       cfg.FailFast,
		StepTimeout:    cfg.StepTimeout,
	})

	return engine.New(engine.Deps{
		Scheduler: scheduler,
		Submitter: addSource,
		Resolver:  engine.PayloadResolver{Records: stores.Records},
		Runs:      stores.Runs,
		Logger:    logger,
	})
}
