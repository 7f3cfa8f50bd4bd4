// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/metrics"
)

// RecordClaimer leases approved records for submission.
type RecordClaimer interface {
	ClaimApproved(ctx context.Context, reclaimBefore time.Time) (domain.ExecutionRecord, bool, error)
}

// Submitter is satisfied by *engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, id uuid.UUID) (domain.StepOutcome, error)
}

type Deps struct {
	Records RecordClaimer
	Engine  Submitter
	Logger  *slog.Logger

	PollInterval time.Duration
	ReclaimAfter time.Duration

	HTTPClient    *http.Client
	WebhookSecret string

	Now func() time.Time
}

type Worker struct {
	records       RecordClaimer
	engine        Submitter
	logger        *slog.Logger
	pollInterval  time.Duration
	reclaimAfter  time.Duration
	httpClient    *http.Client
	webhookSecret string
	now           func() time.Time
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	poll := deps.PollInterval
	if poll <= 0 {
		poll = 800 * time.Millisecond
	}

	reclaim := deps.ReclaimAfter
	if reclaim <= 0 {
		reclaim = 5 * time.Minute
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		records:       deps.Records,
		engine:        deps.Engine,
		logger:        l,
		pollInterval:  poll,
		reclaimAfter:  reclaim,
		httpClient:    client,
		webhookSecret: deps.WebhookSecret,
		now:           now,
	}
}

// Run polls for approved records until ctx is done. A pass that submitted
// a record polls again immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"poll_interval", w.pollInterval,
		"reclaim_after", w.reclaimAfter,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-timer.C:
		}

		processed, err := w.ProcessOnce(ctx)
		if err != nil {
			w.logger.Error("worker process failed", "error", err)
		}

		wait := w.pollInterval
		if processed && err == nil {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessOnce claims at most one approved record and submits it. It reports
// whether a record was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	started := time.Now()
	rec, ok, err := w.records.ClaimApproved(ctx, w.now().Add(-w.reclaimAfter))
	metrics.ObserveWorkerClaimLatency(time.Since(started))
	if err != nil {
		w.logger.Error("claim record failed", "error", err)
		return false, err
	}
	if !ok {
		return false, nil
	}

	log := w.logger.With("record_id", rec.ID, "client", rec.Client)
	log.Info("record claimed")

	outcome, err := w.engine.Submit(ctx, rec.ID)
	if err != nil {
		// The lease expires and another pass retries once the
		// configuration problem is fixed.
		log.Error("record submission aborted", "error", err)
		return true, err
	}

	status := domain.RecordSubmitted
	tableID := ""
	if outcome.Result != nil {
		if outcome.Result.Status != "" {
			status = outcome.Result.Status
		}
		tableID = outcome.Result.TableID
	}
	if outcome.State == domain.StepFailed {
		status = domain.RecordFailed
	}

	log.Info("record processed",
		"status", status,
		"table_id", tableID,
		"error_kind", outcome.ErrorKind,
	)

	finishedAt := w.now()
	if outcome.FinishedAt != nil {
		finishedAt = *outcome.FinishedAt
	}
	w.deliverTerminalWebhook(ctx, terminalWebhookPayload{
		RecordID:   rec.ID,
		Status:     status,
		TableID:    tableID,
		Error:      outcome.Error,
		FinishedAt: finishedAt,
	}, rec.WebhookURL)

	return true, nil
}
