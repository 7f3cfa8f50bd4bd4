// SPDX-License-Identifier: Apache-2.0

// Package engine validates plans, schedules their steps and exposes the two
// entry points callers use: Submit for a single execution record and
// Execute for a whole plan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

// Submitter drives one execution record through the add_source protocol.
type Submitter interface {
	Submit(ctx context.Context, id uuid.UUID) (domain.StepResult, error)
}

// PlanRunStore persists plan executions. Optional.
type PlanRunStore interface {
	CreatePlanRun(ctx context.Context, plan domain.Plan) (uuid.UUID, error)
	SaveStepOutcome(ctx context.Context, runID uuid.UUID, stepType domain.StepType, outcome domain.StepOutcome) error
	FinishPlanRun(ctx context.Context, runID uuid.UUID, status domain.PlanRunStatus) error
}

type Deps struct {
	Scheduler *Scheduler
	Submitter Submitter
	Resolver  RecordResolver
	Runs      PlanRunStore
	Logger    *slog.Logger
	Now       func() time.Time
}

type Engine struct {
	scheduler *Scheduler
	submitter Submitter
	resolver  RecordResolver
	runs      PlanRunStore
	logger    *slog.Logger
	now       func() time.Time
}

func New(deps Deps) *Engine {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = NewScheduler(SchedulerDeps{Logger: l, Now: now})
	}

	return &Engine{
		scheduler: sched,
		submitter: deps.Submitter,
		resolver:  deps.Resolver,
		runs:      deps.Runs,
		logger:    l,
		now:       now,
	}
}

// Submit runs the add_source protocol for one record. Zero matches and
// provider rejections come back as a failed outcome with a nil error; the
// error is reserved for configuration and storage problems.
func (e *Engine) Submit(ctx context.Context, id uuid.UUID) (domain.StepOutcome, error) {
	if e.submitter == nil {
		return domain.StepOutcome{}, fmt.Errorf("%w: %s", domain.ErrNoExecutor, domain.StepAddSource)
	}

	started := e.now()
	res, err := e.submitter.Submit(ctx, id)
	finished := e.now()

	outcome := domain.StepOutcome{
		State:      domain.StepSucceeded,
		StartedAt:  &started,
		FinishedAt: &finished,
		Result:     &res,
	}
	if err == nil {
		return outcome, nil
	}

	outcome.State = domain.StepFailed
	outcome.Error = err.Error()
	outcome.ErrorKind = domain.KindOf(err)
	if expectedFailure(err) {
		return outcome, nil
	}

	e.logger.Error("submit failed", "record_id", id, "error", err)
	return outcome, err
}

// Execute validates plan and runs it. A *ValidationError is returned before
// any step runs. When a run store is configured the run and every step
// outcome are persisted.
func (e *Engine) Execute(ctx context.Context, plan domain.Plan) (map[int]domain.StepOutcome, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}

	var sink OutcomeSink
	runID := uuid.Nil
	if e.runs != nil {
		id, err := e.runs.CreatePlanRun(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("create plan run: %w", err)
		}
		runID = id
		sink = &runRecorder{runs: e.runs, runID: id, logger: e.logger}
	}

	log := e.logger.With("run_id", runID, "steps", len(plan.Steps))
	log.Info("plan execution started",
		"estimated_total_cost", plan.EstimatedTotalCost,
		"step_cost_total", plan.StepCostTotal(),
	)

	outcomes, err := e.scheduler.ExecuteObserved(ctx, plan, e.resolver, sink)

	status := domain.SummarizeOutcomes(outcomes)
	if e.runs != nil {
		if ferr := e.runs.FinishPlanRun(context.WithoutCancel(ctx), runID, status); ferr != nil {
			log.Error("finish plan run failed", "error", ferr)
		}
	}

	log.Info("plan execution finished", "status", status)
	return outcomes, err
}

// runRecorder saves each terminal outcome as it happens.
type runRecorder struct {
	runs   PlanRunStore
	runID  uuid.UUID
	logger *slog.Logger
}

func (r *runRecorder) StepFinished(ctx context.Context, step domain.PlanStep, outcome domain.StepOutcome) {
	if err := r.runs.SaveStepOutcome(context.WithoutCancel(ctx), r.runID, step.Type, outcome); err != nil {
		r.logger.Error("save step outcome failed",
			"run_id", r.runID,
			"step_order", step.Order,
			"error", err,
		)
	}
}

// expectedFailure reports the failures Submit returns inside the outcome.
func expectedFailure(err error) bool {
	var noMatch *domain.NoMatchError
	var perr *domain.ProviderError
	if errors.Is(err, domain.ErrCredentialUnavailable) {
		return false
	}
	return errors.As(err, &noMatch) || errors.As(err, &perr)
}
