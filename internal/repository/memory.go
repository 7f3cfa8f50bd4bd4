// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

// MemoryRecordStore keeps records and their events in process. It backs
// the CLI and tests, and behaves like RecordRepository including the
// status compare-and-set.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.ExecutionRecord
	events  []domain.EventRecord
	seq     int64
	now     func() time.Time
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[uuid.UUID]domain.ExecutionRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryRecordStore) Create(_ context.Context, params domain.CreateRecordParams) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := domain.ExecutionRecord{
		ID:         uuid.New(),
		Client:     params.Client,
		Criteria:   maps.Clone(params.Criteria),
		Status:     domain.RecordPendingReview,
		WebhookURL: params.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.Criteria == nil {
		rec.Criteria = domain.Criteria{}
	}
	s.records[rec.ID] = rec
	return clone(rec), nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id uuid.UUID) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrRecordNotFound
	}
	return clone(rec), nil
}

func (s *MemoryRecordStore) Upsert(_ context.Context, rec domain.ExecutionRecord) error {
	if rec.ID == uuid.Nil {
		return fmt.Errorf("upsert execution record: missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = domain.RecordPendingReview
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryRecordStore) Transition(
	_ context.Context,
	id uuid.UUID,
	from []domain.RecordStatus,
	patch domain.RecordPatch,
) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrRecordNotFound
	}
	if !statusAllowed(rec.Status, from) {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: record %s is %s", domain.ErrStatusConflict, id, rec.Status)
	}

	patch.Apply(&rec)
	rec.UpdatedAt = s.now()
	s.records[id] = rec
	return clone(rec), nil
}

func (s *MemoryRecordStore) Approve(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error) {
	return s.Transition(ctx, id,
		[]domain.RecordStatus{domain.RecordPendingReview},
		domain.RecordPatch{Status: domain.Ptr(domain.RecordApproved)},
	)
}

func (s *MemoryRecordStore) List(_ context.Context, filter RecordFilter) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ExecutionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, clone(rec))
	}
	slices.SortFunc(out, func(a, b domain.ExecutionRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if n := filter.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryRecordStore) Append(_ context.Context, recordID uuid.UUID, typ domain.EventType, payload any) (domain.EventRecord, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("marshal %s event payload: %w", typ, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := domain.EventRecord{
		ID:        uuid.New(),
		Seq:       s.seq,
		RecordID:  recordID,
		Type:      typ,
		Payload:   body,
		CreatedAt: s.now(),
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *MemoryRecordStore) ListEventsAfter(_ context.Context, recordID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.EventRecord, 0, 8)
	for _, ev := range s.events {
		if ev.RecordID == recordID && ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ResolveCursorByEventID mirrors EventRepository: an unknown event yields
// pgx.ErrNoRows.
func (s *MemoryRecordStore) ResolveCursorByEventID(_ context.Context, recordID uuid.UUID, eventID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ID == eventID && ev.RecordID == recordID {
			return ev.Seq, nil
		}
	}
	return 0, pgx.ErrNoRows
}

// EventTypes lists the types recorded for recordID in order.
func (s *MemoryRecordStore) EventTypes(recordID uuid.UUID) []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.EventType
	for _, ev := range s.events {
		if ev.RecordID == recordID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func clone(rec domain.ExecutionRecord) domain.ExecutionRecord {
	rec.Criteria = maps.Clone(rec.Criteria)
	if rec.MatchCount != nil {
		rec.MatchCount = domain.Ptr(*rec.MatchCount)
	}
	if rec.SubmittedAt != nil {
		rec.SubmittedAt = domain.Ptr(*rec.SubmittedAt)
	}
	return rec
}
