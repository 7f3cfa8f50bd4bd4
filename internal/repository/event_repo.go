// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *EventRepository) Append(ctx context.Context, recordID uuid.UUID, typ domain.EventType, payload any) (domain.EventRecord, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("marshal %s event payload: %w", typ, err)
	}

	ev := domain.EventRecord{
		ID:       uuid.New(),
		RecordID: recordID,
		Type:     typ,
		Payload:  body,
	}
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO record_events (id, record_id, type, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING seq, created_at
	`,
		ev.ID,
		recordID,
		typ,
		body,
	).Scan(&ev.Seq, &ev.CreatedAt); err != nil {
		r.logger.Error("append record event failed",
			"record_id", recordID,
			"type", typ,
			"error", err,
		)
		return domain.EventRecord{}, err
	}

	return ev, nil
}

func (r *EventRepository) ListEventsAfter(ctx context.Context, recordID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, record_id, type, payload, created_at
		FROM record_events
		WHERE record_id=$1
		  AND seq > $2
		ORDER BY seq ASC
	`,
		recordID,
		afterSeq,
	)
	if err != nil {
		r.logger.Error("list record events query failed", "record_id", recordID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var ev domain.EventRecord
		if err := rows.Scan(
			&ev.ID,
			&ev.Seq,
			&ev.RecordID,
			&ev.Type,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			r.logger.Error("scan record event failed", "record_id", recordID, "error", err)
			return nil, err
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("record event rows iteration failed", "record_id", recordID, "error", err)
		return nil, err
	}

	return out, nil
}

// ResolveCursorByEventID converts an event id into the sequence number
// ListEventsAfter pages from.
func (r *EventRepository) ResolveCursorByEventID(ctx context.Context, recordID uuid.UUID, eventID uuid.UUID) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `
		SELECT seq
		FROM record_events
		WHERE id=$1
		  AND record_id=$2
	`,
		eventID,
		recordID,
	).Scan(&seq); err != nil {
		r.logger.Error("resolve event cursor failed",
			"record_id", recordID,
			"event_id", eventID,
			"error", err,
		)
		return 0, err
	}

	return seq, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
