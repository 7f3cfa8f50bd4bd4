// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

func TestCountersIncrement(t *testing.T) {
	Init()

	before := testutil.ToFloat64(submissionsTotalCounter.WithLabelValues(string(domain.RecordSubmitted)))
	IncSubmission(domain.RecordSubmitted)
	after := testutil.ToFloat64(submissionsTotalCounter.WithLabelValues(string(domain.RecordSubmitted)))
	if after != before+1 {
		t.Fatalf("expected submitted counter to grow by 1, got %f -> %f", before, after)
	}

	beforeCalls := testutil.ToFloat64(providerCallsTotalCounter.WithLabelValues("preview", "ok"))
	ObserveProviderCall("preview", "ok", 15*time.Millisecond)
	afterCalls := testutil.ToFloat64(providerCallsTotalCounter.WithLabelValues("preview", "ok"))
	if afterCalls != beforeCalls+1 {
		t.Fatalf("expected provider call counter to grow by 1, got %f -> %f", beforeCalls, afterCalls)
	}

	beforeSteps := testutil.ToFloat64(planStepsTotalCounter.WithLabelValues("add_source", "skipped"))
	IncPlanStep(domain.StepAddSource, domain.StepSkipped)
	afterSteps := testutil.ToFloat64(planStepsTotalCounter.WithLabelValues("add_source", "skipped"))
	if afterSteps != beforeSteps+1 {
		t.Fatalf("expected plan step counter to grow by 1, got %f -> %f", beforeSteps, afterSteps)
	}
}

func TestWebhookDeliveryCounter(t *testing.T) {
	Init()

	before := testutil.ToFloat64(webhookDeliveriesCounter.WithLabelValues("exhausted"))
	IncWebhookDelivery("exhausted")
	if after := testutil.ToFloat64(webhookDeliveriesCounter.WithLabelValues("exhausted")); after != before+1 {
		t.Fatalf("expected webhook counter to grow by 1, got %f -> %f", before, after)
	}
}
