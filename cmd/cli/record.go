// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/app"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/engine"
	"github.com/rillation/enrichment-runtime/internal/persistence/postgres"
	"github.com/rillation/enrichment-runtime/internal/repository"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRecordCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Submit execution records",
	}
	cmd.AddCommand(newRecordSubmitCommand(e))
	return cmd
}

func newRecordSubmitCommand(e *env) *cobra.Command {
	var (
		criteriaPath string
		client       string
		id           string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run the add_source protocol for one record",
		Long: `Run the add_source protocol for one record.

With --id the record is loaded from DATABASE_URL and updated in place.
With --criteria a throwaway in-memory record is created from a YAML or
JSON criteria document.`,
		Example: `  enrichctl record submit --criteria criteria.yaml
  enrichctl record submit --id 3f0c2a3e-4b8e-4a51-9d7e-1b2d8c0f9a11`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (id == "") == (criteriaPath == "") {
				return errors.New("exactly one of --id or --criteria is required")
			}

			ctx := cmd.Context()
			providerClient, err := app.NewProviderClient(e.cfg, e.logger)
			if err != nil {
				return err
			}

			var (
				eng      *engine.Engine
				recordID uuid.UUID
			)
			if id != "" {
				recordID, err = uuid.Parse(id)
				if err != nil {
					return fmt.Errorf("invalid --id: %w", err)
				}

				pool, err := postgres.NewPool(ctx, e.cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("db connect failed: %w", err)
				}
				defer pool.Close()

				eng = app.NewEngine(e.cfg, providerClient, app.Stores{
					Records: repository.NewRecordRepository(pool, e.logger),
					Events:  repository.NewEventRepository(pool, e.logger),
				}, e.logger)
			} else {
				criteria, err := loadCriteria(criteriaPath)
				if err != nil {
					return err
				}

				store := repository.NewMemoryRecordStore()
				rec, err := store.Create(ctx, domain.CreateRecordParams{Client: client, Criteria: criteria})
				if err != nil {
					return err
				}
				recordID = rec.ID
				eng = app.NewEngine(e.cfg, providerClient, app.Stores{Records: store, Events: store}, e.logger)
			}

			outcome, err := eng.Submit(ctx, recordID)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if outcome.State != domain.StepSucceeded {
				return fmt.Errorf("record %s: %s", recordID, outcome.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "id of a stored record to submit")
	cmd.Flags().StringVar(&criteriaPath, "criteria", "", "criteria document to submit as a new record ('-' for stdin)")
	cmd.Flags().StringVar(&client, "client", "", "client name stored on an in-memory record")

	return cmd
}

// loadCriteria reads a YAML or JSON object of search filters.
func loadCriteria(path string) (domain.Criteria, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, fmt.Errorf("read criteria: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse criteria: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: criteria document is empty", domain.ErrInvalidCriteria)
	}
	return domain.Criteria(raw), nil
}
