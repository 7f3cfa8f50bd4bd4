// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrRecordNotFound = errors.New("execution record not found")
var ErrAlreadySubmitted = errors.New("execution record already submitted")
var ErrCredentialUnavailable = errors.New("provider credential unavailable")
var ErrNoExecutor = errors.New("no executor registered for step type")
var ErrInvalidCriteria = errors.New("invalid criteria")
var ErrInvalidStep = errors.New("invalid plan step")
var ErrStatusConflict = errors.New("execution record status does not allow this transition")

// ErrorKind classifies a step failure for callers that render it.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNoMatch           ErrorKind = "no_match"
	KindProvider          ErrorKind = "provider"
	KindDependencyFailure ErrorKind = "dependency_failure"
	KindCanceled          ErrorKind = "canceled"
	KindAborted           ErrorKind = "aborted"
	KindInternal          ErrorKind = "internal"
)

type Phase string

const (
	PhasePreview   Phase = "preview"
	PhaseCreate    Phase = "create"
	PhasePopulate  Phase = "populate"
	PhaseFallback  Phase = "force_populate"
	PhaseOperation Phase = "operation"
)

// NoMatchError is returned when the preview found nothing to enrich.
type NoMatchError struct {
	TaskID      string
	Suggestions []string
}

func (e *NoMatchError) Error() string {
	if len(e.Suggestions) == 0 {
		return "preview returned 0 matches"
	}
	return "preview returned 0 matches; try: " + strings.Join(e.Suggestions, "; ")
}

// ProviderError is a non-success response (or a failed round trip, Status 0)
// from a fatal phase.
type ProviderError struct {
	Phase  Phase
	Status int
	Body   string
	Err    error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("provider %s call failed: %v", e.Phase, e.Err)
	case e.Body != "":
		return fmt.Sprintf("provider %s call returned %d: %s", e.Phase, e.Status, e.Body)
	default:
		return fmt.Sprintf("provider %s call returned %d", e.Phase, e.Status)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// PopulationWarning records a best-effort phase that did not succeed. It
// never changes the record status.
type PopulationWarning struct {
	Phase   Phase  `json:"phase"`
	Attempt string `json:"attempt"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (w PopulationWarning) String() string {
	if w.Status != 0 {
		return fmt.Sprintf("%s/%s: %d %s", w.Phase, w.Attempt, w.Status, w.Message)
	}
	return fmt.Sprintf("%s/%s: %s", w.Phase, w.Attempt, w.Message)
}

// DependencyFailure is the reason a step was skipped.
type DependencyFailure struct {
	Order            int
	FailedDependency int
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("step %d skipped: dependency %d did not succeed", e.Order, e.FailedDependency)
}

// KindOf maps an error from an executor onto an ErrorKind.
func KindOf(err error) ErrorKind {
	var noMatch *NoMatchError
	var providerErr *ProviderError
	var depErr *DependencyFailure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &noMatch):
		return KindNoMatch
	case errors.As(err, &providerErr):
		return KindProvider
	case errors.As(err, &depErr):
		return KindDependencyFailure
	case errors.Is(err, ErrInvalidStep), errors.Is(err, ErrInvalidCriteria):
		return KindValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
