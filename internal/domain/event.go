// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPreviewCompleted  EventType = "preview_completed"
	EventNoMatches         EventType = "no_matches"
	EventPreviewFailed     EventType = "preview_failed"
	EventTableCreated      EventType = "table_created"
	EventCreateFailed      EventType = "create_failed"
	EventPopulationWarning EventType = "population_warning"
	EventSubmitted         EventType = "submitted"
	EventAlreadySubmitted  EventType = "already_submitted"
	EventApproved          EventType = "approved"
)

type EventRecord struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	RecordID  uuid.UUID       `json:"record_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
