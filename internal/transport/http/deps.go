// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/repository"
)

type RecordService interface {
	Create(ctx context.Context, params domain.CreateRecordParams) (domain.ExecutionRecord, error)
	Get(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error)
	Approve(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error)
	List(ctx context.Context, filter repository.RecordFilter) ([]domain.ExecutionRecord, error)
}

type EventStreamer interface {
	Append(ctx context.Context, recordID uuid.UUID, typ domain.EventType, payload any) (domain.EventRecord, error)
	ListEventsAfter(ctx context.Context, recordID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error)
	ResolveCursorByEventID(ctx context.Context, recordID uuid.UUID, eventID uuid.UUID) (int64, error)
}

// Engine is satisfied by *engine.Engine.
type Engine interface {
	Submit(ctx context.Context, id uuid.UUID) (domain.StepOutcome, error)
	Execute(ctx context.Context, plan domain.Plan) (map[int]domain.StepOutcome, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
