// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

// RecordCreator creates execution records for steps that carry criteria
// instead of a record id.
type RecordCreator interface {
	Create(ctx context.Context, params domain.CreateRecordParams) (domain.ExecutionRecord, error)
}

// PayloadResolver reads the record for an add_source step from its payload:
// "recordId" names an existing record; otherwise "criteria" (and optional
// "client") create a new one.
type PayloadResolver struct {
	Records RecordCreator
}

func (r PayloadResolver) ResolveRecord(ctx context.Context, step domain.PlanStep) (uuid.UUID, error) {
	if raw, ok := step.PayloadString("recordId"); ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: step %d recordId %q: %v", domain.ErrInvalidStep, step.Order, raw, err)
		}
		return id, nil
	}

	criteria, ok := step.Payload["criteria"].(map[string]any)
	if !ok || len(criteria) == 0 {
		return uuid.Nil, fmt.Errorf("%w: step %d needs recordId or criteria", domain.ErrInvalidCriteria, step.Order)
	}
	if r.Records == nil {
		return uuid.Nil, fmt.Errorf("%w: step %d carries criteria but no record store is configured", domain.ErrInvalidStep, step.Order)
	}

	client, _ := step.PayloadString("client")
	rec, err := r.Records.Create(ctx, domain.CreateRecordParams{
		Client:   client,
		Criteria: domain.Criteria(criteria),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create record for step %d: %w", step.Order, err)
	}
	return rec.ID, nil
}
