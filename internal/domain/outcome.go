// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type StepState string

const (
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// StepResult carries what a step produced. Fields that do not apply to a
// step type are left empty.
type StepResult struct {
	RecordID         uuid.UUID           `json:"record_id,omitempty"`
	Status           RecordStatus        `json:"status,omitempty"`
	TaskID           string              `json:"task_id,omitempty"`
	TableID          string              `json:"table_id,omitempty"`
	WorkbookID       string              `json:"workbook_id,omitempty"`
	SourceID         string              `json:"source_id,omitempty"`
	MatchCount       int                 `json:"match_count"`
	AlreadySubmitted bool                `json:"already_submitted,omitempty"`
	Outputs          map[string]string   `json:"outputs,omitempty"`
	Warnings         []PopulationWarning `json:"warnings,omitempty"`
	Suggestions      []string            `json:"suggestions,omitempty"`
	RawResponse      string              `json:"raw_response,omitempty"`
}

// Output looks a named identifier up in the result, checking the
// well-known fields before Outputs.
func (r StepResult) Output(name string) (string, bool) {
	var v string
	switch name {
	case "taskId":
		v = r.TaskID
	case "tableId":
		v = r.TableID
	case "workbookId":
		v = r.WorkbookID
	case "sourceId":
		v = r.SourceID
	default:
		v = r.Outputs[name]
	}
	return v, v != ""
}

type StepOutcome struct {
	Order      int         `json:"order"`
	State      StepState   `json:"state"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Result     *StepResult `json:"result,omitempty"`
}
