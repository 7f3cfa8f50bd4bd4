// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type PlanRunStatus string

const (
	PlanRunRunning   PlanRunStatus = "running"
	PlanRunSucceeded PlanRunStatus = "succeeded"
	PlanRunPartial   PlanRunStatus = "partial"
	PlanRunFailed    PlanRunStatus = "failed"
)

type PlanRun struct {
	ID                 uuid.UUID     `json:"id"`
	Status             PlanRunStatus `json:"status"`
	StepCount          int           `json:"step_count"`
	EstimatedTotalCost float64       `json:"estimated_total_cost"`
	StepCostTotal      float64       `json:"step_cost_total"`
	CreatedAt          time.Time     `json:"created_at"`
	FinishedAt         *time.Time    `json:"finished_at,omitempty"`
}

// SummarizeOutcomes derives a run status from its step outcomes.
func SummarizeOutcomes(outcomes map[int]StepOutcome) PlanRunStatus {
	var succeeded, failed, skipped int
	for _, o := range outcomes {
		switch o.State {
		case StepSucceeded:
			succeeded++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	switch {
	case failed == 0 && skipped == 0:
		return PlanRunSucceeded
	case succeeded > 0:
		return PlanRunPartial
	default:
		return PlanRunFailed
	}
}
