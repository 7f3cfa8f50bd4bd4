// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/metrics"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond

	webhookHeaderSig       = "X-Signature"
	webhookHeaderTimestamp = "X-Signature-Timestamp"
	webhookHeaderDelivery  = "X-Delivery-Id"
	webhookHeaderEvent     = "X-Webhook-Event"
)

type terminalWebhookPayload struct {
	RecordID   uuid.UUID           `json:"record_id"`
	Status     domain.RecordStatus `json:"status"`
	TableID    string              `json:"table_id,omitempty"`
	Error      string              `json:"error,omitempty"`
	FinishedAt time.Time           `json:"finished_at"`
}

// webhookAttempt is the result of one POST.
type webhookAttempt struct {
	status    int
	retryable bool
	err       error
}

// deliverTerminalWebhook posts the final record status to webhookURL.
// Every attempt carries the same delivery id so receivers can deduplicate.
// Failures are logged and counted, never returned.
func (w *Worker) deliverTerminalWebhook(ctx context.Context, payload terminalWebhookPayload, webhookURL string) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" || w.httpClient == nil {
		return
	}

	log := w.logger.With(
		"record_id", payload.RecordID,
		"status", payload.Status,
	)

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("webhook payload marshal failed", "error", err)
		return
	}

	deliveryID := uuid.NewString()
	event := "record." + string(payload.Status)

	var last webhookAttempt
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		last = w.postWebhook(ctx, webhookURL, deliveryID, event, body)

		switch {
		case last.err == nil:
			log.Info("webhook delivered",
				"attempt", attempt,
				"delivery_id", deliveryID,
				"response_status", last.status,
			)
			metrics.IncWebhookDelivery("delivered")
			return
		case !last.retryable:
			log.Error("webhook rejected",
				"attempt", attempt,
				"delivery_id", deliveryID,
				"response_status", last.status,
				"error", last.err,
			)
			metrics.IncWebhookDelivery("rejected")
			return
		}

		log.Warn("webhook attempt failed",
			"attempt", attempt,
			"delivery_id", deliveryID,
			"response_status", last.status,
			"error", last.err,
		)

		if attempt == webhookRetryAttempts {
			break
		}
		timer := time.NewTimer(webhookRetryBase << (attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn("webhook canceled before retry", "attempt", attempt, "error", ctx.Err())
			metrics.IncWebhookDelivery("canceled")
			return
		case <-timer.C:
		}
	}

	log.Error("webhook retries exhausted", "delivery_id", deliveryID, "error", last.err)
	metrics.IncWebhookDelivery("exhausted")
}

func (w *Worker) postWebhook(ctx context.Context, webhookURL, deliveryID, event string, body []byte) webhookAttempt {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return webhookAttempt{err: fmt.Errorf("build request: %w", err)}
	}

	ts := strconv.FormatInt(w.timestamp().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhookHeaderDelivery, deliveryID)
	req.Header.Set(webhookHeaderEvent, event)
	if sig := signWebhookPayload(w.webhookSecret, ts, body); sig != "" {
		req.Header.Set(webhookHeaderTimestamp, ts)
		req.Header.Set(webhookHeaderSig, sig)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return webhookAttempt{retryable: ctx.Err() == nil, err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return webhookAttempt{status: resp.StatusCode}
	}
	return webhookAttempt{
		status:    resp.StatusCode,
		retryable: retryableWebhookStatus(resp.StatusCode),
		err:       fmt.Errorf("non-2xx response: %d", resp.StatusCode),
	}
}

// retryableWebhookStatus treats 5xx, 408 and 429 as transient. Any other
// 4xx means the receiver will not accept this delivery.
func retryableWebhookStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

func (w *Worker) timestamp() time.Time {
	if w.now == nil {
		return time.Now().UTC()
	}
	return w.now()
}

// signWebhookPayload returns hex HMAC-SHA256 over "<timestamp>.<body>", or
// "" without a secret.
func signWebhookPayload(secret, timestamp string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
