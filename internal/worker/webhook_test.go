// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(http.StatusText(status))),
		Header:     make(http.Header),
	}
}

// capturedRequest is what the receiver saw on one attempt.
type capturedRequest struct {
	header http.Header
	body   []byte
}

// scriptedReceiver answers attempts with statuses in order, repeating the
// last one.
func scriptedReceiver(t *testing.T, statuses ...int) (*http.Client, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []capturedRequest
	)
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, capturedRequest{header: r.Header.Clone(), body: body})
		i := min(len(seen)-1, len(statuses)-1)
		return response(statuses[i]), nil
	})}
	return client, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), seen...)
	}
}

func testWorker(client *http.Client, secret string, now time.Time) *Worker {
	return &Worker{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient:    client,
		webhookSecret: secret,
		now:           func() time.Time { return now },
	}
}

func TestDeliverTerminalWebhookRetriesAndSigns(t *testing.T) {
	recordID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	secret := "super-secret"

	client, seen := scriptedReceiver(t, http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusOK)
	w := testWorker(client, secret, now)

	w.deliverTerminalWebhook(context.Background(), terminalWebhookPayload{
		RecordID:   recordID,
		Status:     domain.RecordSubmitted,
		TableID:    "t1",
		FinishedAt: now,
	}, "http://webhook.local/callback")

	attempts := seen()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", len(attempts))
	}

	deliveryID := attempts[0].header.Get(webhookHeaderDelivery)
	if deliveryID == "" {
		t.Fatal("expected a delivery id")
	}
	for i, a := range attempts {
		if got := a.header.Get(webhookHeaderDelivery); got != deliveryID {
			t.Fatalf("attempt %d: expected delivery id %q got %q", i+1, deliveryID, got)
		}
		if got := a.header.Get(webhookHeaderEvent); got != "record.submitted" {
			t.Fatalf("attempt %d: expected event record.submitted got %q", i+1, got)
		}
		ts := a.header.Get(webhookHeaderTimestamp)
		if ts != "1772366400" {
			t.Fatalf("attempt %d: unexpected timestamp %q", i+1, ts)
		}
		if got, want := a.header.Get(webhookHeaderSig), signWebhookPayload(secret, ts, a.body); got != want {
			t.Fatalf("attempt %d: expected signature %q got %q", i+1, want, got)
		}

		var payload terminalWebhookPayload
		if err := json.Unmarshal(a.body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.RecordID != recordID || payload.Status != domain.RecordSubmitted || payload.TableID != "t1" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	}
}

func TestDeliverTerminalWebhookStopsAfterRetryLimit(t *testing.T) {
	client, seen := scriptedReceiver(t, http.StatusBadGateway)
	w := testWorker(client, "", time.Now())

	w.deliverTerminalWebhook(context.Background(), terminalWebhookPayload{
		RecordID:   uuid.New(),
		Status:     domain.RecordFailed,
		FinishedAt: time.Now().UTC(),
	}, "http://webhook.local/callback")

	attempts := seen()
	if len(attempts) != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, len(attempts))
	}
	if attempts[0].header.Get(webhookHeaderSig) != "" || attempts[0].header.Get(webhookHeaderTimestamp) != "" {
		t.Fatal("unsigned delivery expected without a secret")
	}
	if got := attempts[0].header.Get(webhookHeaderEvent); got != "record.failed" {
		t.Fatalf("expected event record.failed got %q", got)
	}
}

func TestDeliverTerminalWebhookDoesNotRetryClientErrors(t *testing.T) {
	client, seen := scriptedReceiver(t, http.StatusGone)
	w := testWorker(client, "secret", time.Now())

	w.deliverTerminalWebhook(context.Background(), terminalWebhookPayload{RecordID: uuid.New()}, "http://webhook.local/callback")

	if got := len(seen()); got != 1 {
		t.Fatalf("expected a single attempt for a 410, got %d", got)
	}
}

func TestDeliverTerminalWebhookStopsOnCancel(t *testing.T) {
	client, seen := scriptedReceiver(t, http.StatusServiceUnavailable)
	w := testWorker(client, "", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.deliverTerminalWebhook(ctx, terminalWebhookPayload{RecordID: uuid.New()}, "http://webhook.local/callback")

	if got := len(seen()); got > 1 {
		t.Fatalf("expected at most one attempt after cancel, got %d", got)
	}
}

func TestDeliverTerminalWebhookSkipsEmptyURL(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected without a webhook url")
		return nil, nil
	})}

	testWorker(client, "", time.Now()).deliverTerminalWebhook(context.Background(), terminalWebhookPayload{RecordID: uuid.New()}, "  ")
}

func TestRetryableWebhookStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusGone:                false,
	}
	for code, want := range cases {
		if got := retryableWebhookStatus(code); got != want {
			t.Fatalf("retryableWebhookStatus(%d): expected %v got %v", code, want, got)
		}
	}
}
