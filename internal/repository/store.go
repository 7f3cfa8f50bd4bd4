// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

// RecordStore is the persistence surface the executors depend on.
// Transition is a compare-and-set on status: it applies patch only when
// the stored status is one of from (any status when from is empty) and
// fails with domain.ErrStatusConflict otherwise.
type RecordStore interface {
	Get(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error)
	Upsert(ctx context.Context, rec domain.ExecutionRecord) error
	Transition(ctx context.Context, id uuid.UUID, from []domain.RecordStatus, patch domain.RecordPatch) (domain.ExecutionRecord, error)
}

// EventLog appends audit events for a record.
type EventLog interface {
	Append(ctx context.Context, recordID uuid.UUID, typ domain.EventType, payload any) (domain.EventRecord, error)
}

// RecordFilter narrows List. A zero filter returns the newest records.
type RecordFilter struct {
	Status domain.RecordStatus
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f RecordFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

func statusAllowed(current domain.RecordStatus, from []domain.RecordStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}
