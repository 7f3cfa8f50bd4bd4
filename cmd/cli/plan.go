// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rillation/enrichment-runtime/internal/app"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/engine"
	"github.com/rillation/enrichment-runtime/internal/repository"
	"github.com/spf13/cobra"
)

// errPlanNotSucceeded makes the process exit non-zero after printing
// outcomes for a plan that did not fully succeed.
var errPlanNotSucceeded = errors.New("plan did not succeed")

func newPlanCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with plan documents (YAML or JSON)",
	}
	cmd.AddCommand(newPlanValidateCommand())
	cmd.AddCommand(newPlanRunCommand(e))
	return cmd
}

func newPlanValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|->",
		Short: "Check a plan for unknown types, bad dependencies and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}

			if err := engine.Validate(plan); err != nil {
				var verr *engine.ValidationError
				if errors.As(err, &verr) {
					_ = writeJSON(cmd.OutOrStdout(), map[string]any{"valid": false, "error": verr})
				}
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"valid": true, "steps": len(plan.Steps)})
		},
	}
}

func newPlanRunCommand(e *env) *cobra.Command {
	var (
		concurrency int
		failFast    bool
	)

	cmd := &cobra.Command{
		Use:   "run <file|->",
		Short: "Execute a plan against the provider with an in-memory record store",
		Long: `Execute a plan against the configured provider.

add_source steps must carry criteria; records live in memory for the
duration of the command. Outcomes are printed as JSON in step order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}

			cfg := e.cfg
			if cmd.Flags().Changed("concurrency") {
				cfg.MaxConcurrency = concurrency
			}
			if cmd.Flags().Changed("fail-fast") {
				cfg.FailFast = failFast
			}

			client, err := app.NewProviderClient(cfg, e.logger)
			if err != nil {
				return err
			}
			store := repository.NewMemoryRecordStore()
			eng := app.NewEngine(cfg, client, app.Stores{Records: store, Events: store}, e.logger)

			outcomes, runErr := eng.Execute(cmd.Context(), plan)
			if outcomes != nil {
				if err := writeJSON(cmd.OutOrStdout(), sortedOutcomes(outcomes)); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if status := domain.SummarizeOutcomes(outcomes); status != domain.PlanRunSucceeded {
				return fmt.Errorf("%w: %s", errPlanNotSucceeded, status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "maximum steps running at once")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop dispatching after the first failed step")

	return cmd
}

func loadPlan(path string) (domain.Plan, error) {
	data, err := readInput(path)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return engine.DecodePlan(data)
}

func sortedOutcomes(outcomes map[int]domain.StepOutcome) []domain.StepOutcome {
	out := make([]domain.StepOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b domain.StepOutcome) int { return a.Order - b.Order })
	return out
}
