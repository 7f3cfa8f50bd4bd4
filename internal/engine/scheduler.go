// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// StepExecutor runs one plan step. Expected failures come back as errors
// that domain.KindOf classifies; the result may still carry partial state.
type StepExecutor interface {
	Execute(ctx context.Context, req domain.StepRequest) (domain.StepResult, error)
}

// RecordResolver names the execution record an add_source step submits.
type RecordResolver interface {
	ResolveRecord(ctx context.Context, step domain.PlanStep) (uuid.UUID, error)
}

// OutcomeSink observes every terminal step outcome. It is called from the
// dispatch loop, one outcome at a time.
type OutcomeSink interface {
	StepFinished(ctx context.Context, step domain.PlanStep, outcome domain.StepOutcome)
}

type SchedulerDeps struct {
	Executors map[domain.StepType]StepExecutor
	Logger    *slog.Logger

	// MaxConcurrency bounds running steps. Defaults to 1.
	MaxConcurrency int
	// FailFast stops dispatching new steps after the first failure.
	FailFast bool
	// StepTimeout bounds one step; zero means no bound beyond ctx.
	StepTimeout time.Duration

	Now func() time.Time
}

type Scheduler struct {
	executors   map[domain.StepType]StepExecutor
	logger      *slog.Logger
	concurrency int64
	failFast    bool
	stepTimeout time.Duration
	now         func() time.Time
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	n := deps.MaxConcurrency
	if n <= 0 {
		n = 1
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Scheduler{
		executors:   deps.Executors,
		logger:      l,
		concurrency: int64(n),
		failFast:    deps.FailFast,
		stepTimeout: deps.StepTimeout,
		now:         now,
	}
}

// Execute runs plan to completion and returns one terminal outcome per step.
// The returned error is non-nil only for an invalid plan or a
// configuration failure (missing credential, no executor) that makes
// further dispatch pointless; outcomes are returned alongside it.
func (s *Scheduler) Execute(ctx context.Context, plan domain.Plan, resolver RecordResolver) (map[int]domain.StepOutcome, error) {
	return s.ExecuteObserved(ctx, plan, resolver, nil)
}

func (s *Scheduler) ExecuteObserved(
	ctx context.Context,
	plan domain.Plan,
	resolver RecordResolver,
	sink OutcomeSink,
) (map[int]domain.StepOutcome, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}

	r := &planRun{
		sched:    s,
		resolver: resolver,
		sink:     sink,
		steps:    make(map[int]domain.PlanStep, len(plan.Steps)),
		deps:     dependencyIndex(plan),
		order:    topoOrder(plan),
		outcomes: make(map[int]*domain.StepOutcome, len(plan.Steps)),
		results:  make(map[int]domain.StepResult, len(plan.Steps)),
		done:     make(chan stepCompletion),
		sem:      semaphore.NewWeighted(s.concurrency),
	}
	for _, st := range plan.Steps {
		r.steps[st.Order] = st
		r.outcomes[st.Order] = &domain.StepOutcome{Order: st.Order, State: domain.StepReady}
	}

	fatal := r.loop(ctx)

	out := make(map[int]domain.StepOutcome, len(r.outcomes))
	for order, o := range r.outcomes {
		out[order] = *o
	}
	return out, fatal
}

type stepCompletion struct {
	order   int
	outcome domain.StepOutcome
	result  domain.StepResult
	err     error
}

// planRun is the state of one Execute call. It is only touched by the
// dispatch loop goroutine.
type planRun struct {
	sched    *Scheduler
	resolver RecordResolver
	sink     OutcomeSink

	steps    map[int]domain.PlanStep
	deps     map[int][]int
	order    []int
	outcomes map[int]*domain.StepOutcome
	results  map[int]domain.StepResult

	done    chan stepCompletion
	sem     *semaphore.Weighted
	running int

	stopReason error
	stopKind   domain.ErrorKind
	fatal      error
}

func (r *planRun) loop(ctx context.Context) error {
	for {
		r.propagateSkips(ctx)

		if r.stopReason == nil && ctx.Err() != nil {
			r.stop(ctx.Err(), domain.KindCanceled)
		}
		if r.stopReason != nil {
			r.abandonReady(ctx)
		} else {
			r.dispatchReady(ctx)
		}

		if r.running == 0 {
			break
		}

		c := <-r.done
		r.running--
		r.sem.Release(1)
		r.complete(ctx, c)
	}

	// Anything still ready has a dependency that never resolved; the plan
	// was validated so this only happens when dispatch stopped.
	r.abandonReady(ctx)
	return r.fatal
}

// propagateSkips marks ready steps whose dependencies failed or were
// skipped. Walking in topological order makes one pass transitive.
func (r *planRun) propagateSkips(ctx context.Context) {
	for _, order := range r.order {
		o := r.outcomes[order]
		if o.State != domain.StepReady {
			continue
		}
		for _, dep := range r.deps[order] {
			st := r.outcomes[dep].State
			if st != domain.StepFailed && st != domain.StepSkipped {
				continue
			}
			reason := &domain.DependencyFailure{Order: order, FailedDependency: dep}
			r.finish(ctx, order, domain.StepSkipped, reason, domain.KindDependencyFailure)
			break
		}
	}
}

// dispatchReady starts every step whose dependencies all succeeded, in
// topological order, until the concurrency bound is reached.
func (r *planRun) dispatchReady(ctx context.Context) {
	for _, order := range r.order {
		o := r.outcomes[order]
		if o.State != domain.StepReady || !r.depsSucceeded(order) {
			continue
		}
		if !r.sem.TryAcquire(1) {
			return
		}

		started := r.sched.now()
		o.State = domain.StepRunning
		o.StartedAt = &started
		r.running++

		req := domain.StepRequest{
			Step:     r.steps[order],
			Upstream: r.upstreamResults(order),
		}
		go r.run(ctx, req, started)
	}
}

func (r *planRun) depsSucceeded(order int) bool {
	for _, dep := range r.deps[order] {
		if r.outcomes[dep].State != domain.StepSucceeded {
			return false
		}
	}
	return true
}

func (r *planRun) upstreamResults(order int) map[int]domain.StepResult {
	if len(r.deps[order]) == 0 {
		return nil
	}
	out := make(map[int]domain.StepResult, len(r.deps[order]))
	for _, dep := range r.deps[order] {
		out[dep] = r.results[dep]
	}
	return out
}

func (r *planRun) run(ctx context.Context, req domain.StepRequest, started time.Time) {
	res, err := r.sched.runStep(ctx, req, r.resolver)

	finished := r.sched.now()
	o := domain.StepOutcome{
		Order:      req.Step.Order,
		State:      domain.StepSucceeded,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
	if err != nil {
		o.State = domain.StepFailed
		o.Error = err.Error()
		o.ErrorKind = domain.KindOf(err)
	}
	if err == nil || hasState(res) {
		o.Result = &res
	}

	metrics.ObserveStepExecutionDuration(finished.Sub(started))
	r.done <- stepCompletion{order: req.Step.Order, outcome: o, result: res, err: err}
}

func (r *planRun) complete(ctx context.Context, c stepCompletion) {
	*r.outcomes[c.order] = c.outcome
	step := r.steps[c.order]
	log := r.sched.logger.With("step_order", c.order, "type", step.Type)

	if c.err == nil {
		r.results[c.order] = c.result
		log.Info("step succeeded")
	} else {
		log.Warn("step failed", "kind", c.outcome.ErrorKind, "error", c.err)
		if isConfigurationError(c.err) && r.fatal == nil {
			r.fatal = fmt.Errorf("step %d: %w", c.order, c.err)
			r.stop(fmt.Errorf("configuration error in step %d", c.order), domain.KindAborted)
		} else if r.sched.failFast && r.stopReason == nil {
			r.stop(fmt.Errorf("step %d failed", c.order), domain.KindAborted)
		}
	}

	metrics.IncPlanStep(step.Type, c.outcome.State)
	r.notify(ctx, c.order)
}

func (r *planRun) stop(reason error, kind domain.ErrorKind) {
	r.stopReason = reason
	r.stopKind = kind
}

// abandonReady skips every step that can no longer be dispatched.
func (r *planRun) abandonReady(ctx context.Context) {
	for _, order := range r.order {
		if r.outcomes[order].State != domain.StepReady {
			continue
		}
		reason := r.stopReason
		kind := r.stopKind
		if reason == nil {
			reason = errors.New("dependencies did not complete")
			kind = domain.KindInternal
		}
		r.finish(ctx, order, domain.StepSkipped, fmt.Errorf("not dispatched: %w", reason), kind)
	}
}

func (r *planRun) finish(ctx context.Context, order int, state domain.StepState, reason error, kind domain.ErrorKind) {
	finished := r.sched.now()
	o := r.outcomes[order]
	o.State = state
	o.FinishedAt = &finished
	o.Error = reason.Error()
	o.ErrorKind = kind

	r.sched.logger.Info("step skipped", "step_order", order, "reason", o.Error)
	metrics.IncPlanStep(r.steps[order].Type, state)
	r.notify(ctx, order)
}

func (r *planRun) notify(ctx context.Context, order int) {
	if r.sink == nil {
		return
	}
	r.sink.StepFinished(ctx, r.steps[order], *r.outcomes[order])
}

func (s *Scheduler) runStep(ctx context.Context, req domain.StepRequest, resolver RecordResolver) (res domain.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("step executor panicked", "step_order", req.Step.Order, "panic", p)
			err = fmt.Errorf("step %d executor panicked: %v", req.Step.Order, p)
		}
	}()

	exec, ok := s.executors[req.Step.Type]
	if !ok || exec == nil {
		return domain.StepResult{}, fmt.Errorf("%w: %s", domain.ErrNoExecutor, req.Step.Type)
	}

	stepCtx := ctx
	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()
	}

	if req.Step.Type == domain.StepAddSource {
		if resolver == nil {
			return domain.StepResult{}, fmt.Errorf("%w: add_source step %d needs a record resolver", domain.ErrInvalidStep, req.Step.Order)
		}
		id, err := resolver.ResolveRecord(stepCtx, req.Step)
		if err != nil {
			return domain.StepResult{}, fmt.Errorf("resolve record for step %d: %w", req.Step.Order, err)
		}
		req.RecordID = id
	}

	return exec.Execute(stepCtx, req)
}

// isConfigurationError reports failures that will repeat for every step.
func isConfigurationError(err error) bool {
	return errors.Is(err, domain.ErrCredentialUnavailable) || errors.Is(err, domain.ErrNoExecutor)
}

func hasState(res domain.StepResult) bool {
	return res.RecordID != uuid.Nil || res.RawResponse != "" || len(res.Suggestions) > 0
}
