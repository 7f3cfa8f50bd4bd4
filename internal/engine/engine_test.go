// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

type fakeSubmitter struct {
	res domain.StepResult
	err error
	ids []uuid.UUID
}

func (f *fakeSubmitter) Submit(_ context.Context, id uuid.UUID) (domain.StepResult, error) {
	f.ids = append(f.ids, id)
	return f.res, f.err
}

type fakeRuns struct {
	mu        sync.Mutex
	id        uuid.UUID
	created   int
	saved     map[int]domain.StepOutcome
	finished  domain.PlanRunStatus
	createErr error
}

func (f *fakeRuns) CreatePlanRun(context.Context, domain.Plan) (uuid.UUID, error) {
	if f.createErr != nil {
		return uuid.Nil, f.createErr
	}
	f.created++
	f.id = uuid.New()
	return f.id, nil
}

func (f *fakeRuns) SaveStepOutcome(_ context.Context, runID uuid.UUID, _ domain.StepType, o domain.StepOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runID != f.id {
		return errors.New("unknown run")
	}
	if f.saved == nil {
		f.saved = make(map[int]domain.StepOutcome)
	}
	f.saved[o.Order] = o
	return nil
}

func (f *fakeRuns) FinishPlanRun(_ context.Context, _ uuid.UUID, status domain.PlanRunStatus) error {
	f.finished = status
	return nil
}

func TestEngineSubmitSuccess(t *testing.T) {
	id := uuid.New()
	sub := &fakeSubmitter{res: domain.StepResult{RecordID: id, Status: domain.RecordSubmitted, TableID: "t1"}}
	e := New(Deps{Submitter: sub, Logger: discardLogger()})

	out, err := e.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State != domain.StepSucceeded || out.Result.TableID != "t1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(sub.ids) != 1 || sub.ids[0] != id {
		t.Fatalf("submitter called with %v", sub.ids)
	}
}

func TestEngineSubmitExpectedFailuresReturnOutcome(t *testing.T) {
	cases := map[string]struct {
		err  error
		kind domain.ErrorKind
	}{
		"no match": {&domain.NoMatchError{TaskID: "a", Suggestions: []string{"widen"}}, domain.KindNoMatch},
		"provider": {&domain.ProviderError{Phase: domain.PhaseCreate, Status: 422}, domain.KindProvider},
	}

	for name, tc := range cases {
		sub := &fakeSubmitter{res: domain.StepResult{Status: domain.RecordFailed}, err: tc.err}
		e := New(Deps{Submitter: sub, Logger: discardLogger()})

		out, err := e.Submit(context.Background(), uuid.New())
		if err != nil {
			t.Fatalf("%s: expected nil error, got %v", name, err)
		}
		if out.State != domain.StepFailed || out.ErrorKind != tc.kind {
			t.Fatalf("%s: unexpected outcome %+v", name, out)
		}
	}
}

func TestEngineSubmitReturnsConfigurationErrors(t *testing.T) {
	sub := &fakeSubmitter{err: domain.ErrCredentialUnavailable}
	e := New(Deps{Submitter: sub, Logger: discardLogger()})

	out, err := e.Submit(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if out.State != domain.StepFailed {
		t.Fatalf("expected failed outcome, got %+v", out)
	}

	e = New(Deps{Logger: discardLogger()})
	if _, err := e.Submit(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNoExecutor) {
		t.Fatalf("expected ErrNoExecutor without a submitter, got %v", err)
	}
}

func TestEngineExecutePersistsRun(t *testing.T) {
	exec := &scriptedExecutor{fail: map[int]error{2: errors.New("boom")}}
	runs := &fakeRuns{}
	e := New(Deps{
		Scheduler: newTestScheduler(exec, nil),
		Runs:      runs,
		Logger:    discardLogger(),
	})

	outcomes, err := e.Execute(context.Background(), plan(step(1), step(2, 1), step(3, 2)))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected three outcomes, got %d", len(outcomes))
	}
	if runs.created != 1 || len(runs.saved) != 3 {
		t.Fatalf("expected one run with three saved outcomes, got %d runs %d outcomes", runs.created, len(runs.saved))
	}
	if runs.saved[3].State != domain.StepSkipped {
		t.Fatalf("expected step 3 saved as skipped, got %+v", runs.saved[3])
	}
	if runs.finished != domain.PlanRunPartial {
		t.Fatalf("expected partial run, got %s", runs.finished)
	}
}

func TestEngineExecuteRejectsInvalidPlanWithoutRun(t *testing.T) {
	runs := &fakeRuns{}
	e := New(Deps{Runs: runs, Logger: discardLogger()})

	_, err := e.Execute(context.Background(), plan())
	if !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected invalid plan, got %v", err)
	}
	if runs.created != 0 {
		t.Fatal("no run may be created for an invalid plan")
	}
}

func TestEngineExecuteCreateRunFailure(t *testing.T) {
	exec := &scriptedExecutor{}
	runs := &fakeRuns{createErr: errors.New("db down")}
	e := New(Deps{Scheduler: newTestScheduler(exec, nil), Runs: runs, Logger: discardLogger()})

	if _, err := e.Execute(context.Background(), plan(step(1))); err == nil {
		t.Fatal("expected error when the run cannot be created")
	}
	if len(exec.Ran()) != 0 {
		t.Fatal("no step may run when the run cannot be created")
	}
}
