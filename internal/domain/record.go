// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecordStatus string

const (
	RecordPendingReview RecordStatus = "pending_review"
	RecordApproved      RecordStatus = "approved"
	RecordSubmitted     RecordStatus = "submitted"
	RecordFailed        RecordStatus = "failed"
)

// Criteria is the search/enrichment configuration submitted to the provider.
// It is kept opaque so provider-side filter additions need no code change.
type Criteria map[string]any

type ExecutionRecord struct {
	ID                 uuid.UUID    `json:"id"`
	Client             string       `json:"client"`
	Criteria           Criteria     `json:"criteria"`
	Status             RecordStatus `json:"status"`
	ProviderTaskID     string       `json:"provider_task_id,omitempty"`
	ProviderTableID    string       `json:"provider_table_id,omitempty"`
	ProviderWorkbookID string       `json:"provider_workbook_id,omitempty"`
	ProviderSourceID   string       `json:"provider_source_id,omitempty"`
	MatchCount         *int         `json:"match_count,omitempty"`
	RawResponse        string       `json:"raw_response,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	WebhookURL         string       `json:"webhook_url,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	SubmittedAt        *time.Time   `json:"submitted_at,omitempty"`
}

type CreateRecordParams struct {
	Client     string
	Criteria   Criteria
	WebhookURL string
}

// RecordPatch lists the fields an update sets. Nil pointers leave the
// stored value untouched; a pointer to "" clears a text field.
type RecordPatch struct {
	Status             *RecordStatus
	ProviderTaskID     *string
	ProviderTableID    *string
	ProviderWorkbookID *string
	ProviderSourceID   *string
	MatchCount         *int
	RawResponse        *string
	ErrorMessage       *string
	SubmittedAt        *time.Time
}

// Apply copies the set fields of p onto rec.
func (p RecordPatch) Apply(rec *ExecutionRecord) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ProviderTaskID != nil {
		rec.ProviderTaskID = *p.ProviderTaskID
	}
	if p.ProviderTableID != nil {
		rec.ProviderTableID = *p.ProviderTableID
	}
	if p.ProviderWorkbookID != nil {
		rec.ProviderWorkbookID = *p.ProviderWorkbookID
	}
	if p.ProviderSourceID != nil {
		rec.ProviderSourceID = *p.ProviderSourceID
	}
	if p.MatchCount != nil {
		n := *p.MatchCount
		rec.MatchCount = &n
	}
	if p.RawResponse != nil {
		rec.RawResponse = *p.RawResponse
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		rec.SubmittedAt = &t
	}
}

// Ptr returns a pointer to v; used to build patches inline.
func Ptr[T any](v T) *T {
	return &v
}
