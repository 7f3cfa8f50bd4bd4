// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rillation/enrichment-runtime/internal/domain"
)

type ValidationKind string

const (
	InvalidEmptyPlan         ValidationKind = "empty_plan"
	InvalidOrder             ValidationKind = "invalid_order"
	InvalidDuplicateOrder    ValidationKind = "duplicate_order"
	InvalidUnknownStepType   ValidationKind = "unknown_step_type"
	InvalidUnknownDependency ValidationKind = "unknown_dependency"
	InvalidCycle             ValidationKind = "cycle_detected"
)

var (
	// ErrInvalidPlan matches every *ValidationError.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrCycleDetected matches a ValidationError of kind cycle_detected.
	ErrCycleDetected = errors.New("plan dependency cycle detected")
)

// ValidationError rejects a plan before anything runs. Orders lists the
// offending steps; Cycle is the closed dependency path for cycle_detected.
type ValidationError struct {
	Kind    ValidationKind `json:"kind"`
	Orders  []int          `json:"orders,omitempty"`
	Cycle   []int          `json:"cycle,omitempty"`
	Message string         `json:"message"`
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrInvalidPlan, domain.ErrInvalidStep:
		return true
	case ErrCycleDetected:
		return e.Kind == InvalidCycle
	}
	return false
}

// Validate checks, in order: the plan has steps, orders are positive and
// unique, step types are known, dependencies resolve, and the dependency
// graph is acyclic. It stops at the first failing check.
func Validate(plan domain.Plan) error {
	if len(plan.Steps) == 0 {
		return &ValidationError{Kind: InvalidEmptyPlan, Message: "plan has no steps"}
	}

	seen := make(map[int]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.Order <= 0 {
			return &ValidationError{
				Kind:    InvalidOrder,
				Orders:  []int{s.Order},
				Message: fmt.Sprintf("step order %d must be positive", s.Order),
			}
		}
		if seen[s.Order] {
			return &ValidationError{
				Kind:    InvalidDuplicateOrder,
				Orders:  []int{s.Order},
				Message: fmt.Sprintf("step order %d appears more than once", s.Order),
			}
		}
		seen[s.Order] = true
	}

	for _, s := range plan.Steps {
		if !s.Type.Known() {
			return &ValidationError{
				Kind:    InvalidUnknownStepType,
				Orders:  []int{s.Order},
				Message: fmt.Sprintf("step %d has unknown type %q", s.Order, s.Type),
			}
		}
	}

	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &ValidationError{
					Kind:    InvalidUnknownDependency,
					Orders:  []int{s.Order, dep},
					Message: fmt.Sprintf("step %d depends on missing step %d", s.Order, dep),
				}
			}
		}
	}

	if cycle := findCycle(plan); cycle != nil {
		return &ValidationError{
			Kind:    InvalidCycle,
			Orders:  slices.Compact(slices.Sorted(slices.Values(cycle))),
			Cycle:   cycle,
			Message: "dependency cycle " + formatCycle(cycle),
		}
	}

	return nil
}

// findCycle walks dependency edges depth first from each step in ascending
// order and returns the first cycle found as a closed path, e.g. [1 2 1].
func findCycle(plan domain.Plan) []int {
	deps := dependencyIndex(plan)
	orders := sortedOrders(plan)

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[int]int, len(orders))
	var path []int

	var visit func(n int) []int
	visit = func(n int) []int {
		state[n] = onStack
		path = append(path, n)

		for _, d := range deps[n] {
			switch state[d] {
			case onStack:
				start := slices.Index(path, d)
				return append(slices.Clone(path[start:]), d)
			case unvisited:
				if c := visit(d); c != nil {
					return c
				}
			}
		}

		path = path[:len(path)-1]
		state[n] = done
		return nil
	}

	for _, n := range orders {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// topoOrder lists step orders so every step follows its dependencies; ties
// break on ascending order. The plan must be valid.
func topoOrder(plan domain.Plan) []int {
	deps := dependencyIndex(plan)
	remaining := make(map[int]int, len(plan.Steps))
	dependents := make(map[int][]int, len(plan.Steps))
	for _, s := range plan.Steps {
		remaining[s.Order] = len(deps[s.Order])
		for _, d := range deps[s.Order] {
			dependents[d] = append(dependents[d], s.Order)
		}
	}

	var ready []int
	for _, n := range sortedOrders(plan) {
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]int, 0, len(plan.Steps))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range dependents[n] {
			remaining[m]--
			if remaining[m] == 0 {
				ready = append(ready, m)
				slices.Sort(ready)
			}
		}
	}
	return out
}

// dependencyIndex maps each order to its deduplicated, sorted dependencies.
func dependencyIndex(plan domain.Plan) map[int][]int {
	out := make(map[int][]int, len(plan.Steps))
	for _, s := range plan.Steps {
		deps := slices.Clone(s.DependsOn)
		slices.Sort(deps)
		out[s.Order] = slices.Compact(deps)
	}
	return out
}

func sortedOrders(plan domain.Plan) []int {
	out := make([]int, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, s.Order)
	}
	slices.Sort(out)
	return out
}

func formatCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " -> ")
}
