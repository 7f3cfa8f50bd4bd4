// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

// PlanRunRepository persists plan executions and the outcome of each step.
type PlanRunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPlanRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *PlanRunRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PlanRunRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *PlanRunRepository) CreatePlanRun(ctx context.Context, plan domain.Plan) (uuid.UUID, error) {
	doc, err := json.Marshal(plan)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal plan: %w", err)
	}

	runID := uuid.New()
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO plan_runs (id, status, step_count, estimated_total_cost, step_cost_total, plan)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`,
		runID,
		domain.PlanRunRunning,
		len(plan.Steps),
		plan.EstimatedTotalCost,
		plan.StepCostTotal(),
		doc,
	); err != nil {
		r.logger.Error("insert plan run failed", "run_id", runID, "error", err)
		return uuid.Nil, err
	}

	r.logger.Info("plan run created", "run_id", runID, "steps", len(plan.Steps))
	return runID, nil
}

func (r *PlanRunRepository) SaveStepOutcome(ctx context.Context, runID uuid.UUID, stepType domain.StepType, outcome domain.StepOutcome) error {
	var result []byte
	if outcome.Result != nil {
		b, err := json.Marshal(outcome.Result)
		if err != nil {
			return fmt.Errorf("marshal step %d result: %w", outcome.Order, err)
		}
		result = b
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO step_outcomes (run_id, step_order, step_type, state, started_at, finished_at, error, error_kind, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		ON CONFLICT (run_id, step_order) DO UPDATE SET
			state=EXCLUDED.state,
			started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at,
			error=EXCLUDED.error,
			error_kind=EXCLUDED.error_kind,
			result=EXCLUDED.result
	`,
		runID,
		outcome.Order,
		stepType,
		outcome.State,
		outcome.StartedAt,
		outcome.FinishedAt,
		nullIfEmpty(outcome.Error),
		nullIfEmpty(string(outcome.ErrorKind)),
		result,
	); err != nil {
		r.logger.Error("save step outcome failed",
			"run_id", runID,
			"step_order", outcome.Order,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *PlanRunRepository) FinishPlanRun(ctx context.Context, runID uuid.UUID, status domain.PlanRunStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE plan_runs
		SET status=$2, finished_at=$3
		WHERE id=$1
	`,
		runID,
		status,
		time.Now().UTC(),
	)
	if err != nil {
		r.logger.Error("finish plan run failed", "run_id", runID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan run %s not found", runID)
	}

	r.logger.Info("plan run finished", "run_id", runID, "status", status)
	return nil
}

func (r *PlanRunRepository) GetPlanRun(ctx context.Context, runID uuid.UUID) (domain.PlanRun, error) {
	var run domain.PlanRun
	if err := r.pool.QueryRow(ctx, `
		SELECT id, status, step_count, estimated_total_cost, step_cost_total, created_at, finished_at
		FROM plan_runs
		WHERE id=$1
	`, runID).Scan(
		&run.ID,
		&run.Status,
		&run.StepCount,
		&run.EstimatedTotalCost,
		&run.StepCostTotal,
		&run.CreatedAt,
		&run.FinishedAt,
	); err != nil {
		r.logger.Error("get plan run failed", "run_id", runID, "error", err)
		return domain.PlanRun{}, err
	}
	return run, nil
}

func (r *PlanRunRepository) ListStepOutcomes(ctx context.Context, runID uuid.UUID) ([]domain.StepOutcome, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT step_order, state, started_at, finished_at, error, error_kind, result
		FROM step_outcomes
		WHERE run_id=$1
		ORDER BY step_order ASC
	`, runID)
	if err != nil {
		r.logger.Error("list step outcomes failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StepOutcome, 0, 8)
	for rows.Next() {
		var (
			o            domain.StepOutcome
			errMsg, kind *string
			result       []byte
		)
		if err := rows.Scan(&o.Order, &o.State, &o.StartedAt, &o.FinishedAt, &errMsg, &kind, &result); err != nil {
			r.logger.Error("scan step outcome failed", "run_id", runID, "error", err)
			return nil, err
		}
		o.Error = deref(errMsg)
		o.ErrorKind = domain.ErrorKind(deref(kind))
		if len(result) > 0 {
			var res domain.StepResult
			if err := json.Unmarshal(result, &res); err != nil {
				return nil, fmt.Errorf("decode step %d result: %w", o.Order, err)
			}
			o.Result = &res
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
