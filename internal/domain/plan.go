// SPDX-License-Identifier: Apache-2.0

package domain

import "github.com/google/uuid"

type StepType string

const (
	StepCreateWorkbook StepType = "create_workbook"
	StepAddSource      StepType = "add_source"
	StepAddColumn      StepType = "add_column"
	StepRunEnrichment  StepType = "run_enrichment"
)

// Known reports whether t is one of the step types the engine can execute.
func (t StepType) Known() bool {
	switch t {
	case StepCreateWorkbook, StepAddSource, StepAddColumn, StepRunEnrichment:
		return true
	}
	return false
}

// Operation names the remote call family for a step: an HTTP verb and a
// path template such as /v3/tables/{tableId}/fields.
type Operation struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

type PlanStep struct {
	Order         int            `json:"order" yaml:"order"`
	Type          StepType       `json:"type" yaml:"type"`
	Operation     Operation      `json:"operation" yaml:"operation"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	EstimatedCost float64        `json:"estimatedCost" yaml:"estimatedCost"`
	DependsOn     []int          `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// Plan is produced by the external planning service and is read-only here.
type Plan struct {
	Steps              []PlanStep `json:"steps" yaml:"steps"`
	EstimatedTotalCost float64    `json:"estimatedTotalCost" yaml:"estimatedTotalCost"`
	EstimatedRowCount  int        `json:"estimatedRowCount" yaml:"estimatedRowCount"`
	Warnings           []string   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Recommendations    []string   `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// StepCostTotal sums the advisory per-step estimates.
func (p Plan) StepCostTotal() float64 {
	var total float64
	for _, s := range p.Steps {
		total += s.EstimatedCost
	}
	return total
}

// PayloadString returns payload[key] when it is a non-empty string.
func (s PlanStep) PayloadString(key string) (string, bool) {
	v, ok := s.Payload[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// StepRequest is what the scheduler hands an executor: the step itself, the
// record it acts on (add_source only) and the results of its dependencies
// keyed by order.
type StepRequest struct {
	Step     PlanStep
	RecordID uuid.UUID
	Upstream map[int]StepResult
}
