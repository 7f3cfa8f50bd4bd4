// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/provider"
)

// Attempt is one best-effort provider call. A failed attempt becomes a
// warning and never stops the attempts after it.
type Attempt struct {
	Name string
	Call func(ctx context.Context) (provider.Response, error)
}

type attemptOutcome struct {
	resp    provider.Response
	warning *domain.PopulationWarning
}

// runAttempts executes attempts in order, each under its own timeout.
func runAttempts(ctx context.Context, phase domain.Phase, timeout time.Duration, attempts []Attempt) []attemptOutcome {
	out := make([]attemptOutcome, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, runAttempt(ctx, phase, timeout, a))
	}
	return out
}

func runAttempt(ctx context.Context, phase domain.Phase, timeout time.Duration, a Attempt) (res attemptOutcome) {
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = attemptOutcome{warning: &domain.PopulationWarning{
				Phase:   phase,
				Attempt: a.Name,
				Message: cleanText(fmt.Sprintf("panic: %v", r)),
			}}
		}
	}()

	resp, err := a.Call(callCtx)
	res.resp = resp
	switch {
	case err != nil:
		res.warning = &domain.PopulationWarning{Phase: phase, Attempt: a.Name, Message: cleanText(err.Error())}
	case !resp.OK():
		res.warning = &domain.PopulationWarning{
			Phase:   phase,
			Attempt: a.Name,
			Status:  resp.Status,
			Message: truncate(resp.Raw(), maxWarningBody),
		}
	}
	return res
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

const maxWarningBody = 512

// truncate cleans s and cuts it to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	s = cleanText(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// cleanText makes provider text storable in a Postgres TEXT or JSONB
// column: invalid UTF-8 becomes U+FFFD and NUL bytes are dropped.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}
