// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/engine"
	"github.com/rillation/enrichment-runtime/internal/metrics"
	"github.com/rillation/enrichment-runtime/internal/repository"
	"github.com/rillation/enrichment-runtime/internal/transport/middleware"
)

const maxPlanBodyBytes = 1 << 20

type createRecordRequest struct {
	Client     string          `json:"client"`
	Criteria   domain.Criteria `json:"criteria"`
	WebhookURL string          `json:"webhook_url"`
}

type Deps struct {
	Records       RecordService
	Events        EventStreamer
	Engine        Engine
	HealthChecker HealthChecker
	Logger        *slog.Logger
	AdminToken    string
	Version       string
	Commit        string
	BuildDate     string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.Check(r.Context()); err != nil {
				requestLogger(r.Context(), logger).Warn("health check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- OPERATOR ROUTES (ADMIN TOKEN) ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		if deps.Records != nil {
			r.Route("/records", func(r chi.Router) {
				mountRecordRoutes(r, deps, logger)
			})
		}

		if deps.Engine != nil {
			r.Post("/plans/validate", func(w http.ResponseWriter, r *http.Request) {
				plan, err := decodePlanRequest(r)
				if err != nil {
					http.Error(w, "invalid plan document: "+err.Error(), http.StatusBadRequest)
					return
				}

				if err := engine.Validate(plan); err != nil {
					writeValidationError(w, err)
					return
				}

				writeJSON(w, http.StatusOK, map[string]any{
					"valid":                true,
					"steps":                len(plan.Steps),
					"estimated_total_cost": plan.EstimatedTotalCost,
				})
			})

			r.Post("/plans/execute", func(w http.ResponseWriter, r *http.Request) {
				plan, err := decodePlanRequest(r)
				if err != nil {
					http.Error(w, "invalid plan document: "+err.Error(), http.StatusBadRequest)
					return
				}

				outcomes, err := deps.Engine.Execute(r.Context(), plan)
				if err != nil {
					if errors.Is(err, engine.ErrInvalidPlan) {
						writeValidationError(w, err)
						return
					}
					if outcomes == nil {
						requestLogger(r.Context(), logger).Error("execute plan failed", "error", err)
						http.Error(w, "failed to execute plan", http.StatusInternalServerError)
						return
					}
					requestLogger(r.Context(), logger).Error("plan execution aborted", "error", err)
					writeJSON(w, http.StatusServiceUnavailable, map[string]any{
						"status":   domain.SummarizeOutcomes(outcomes),
						"error":    err.Error(),
						"outcomes": outcomeList(outcomes),
					})
					return
				}

				writeJSON(w, http.StatusOK, map[string]any{
					"status":   domain.SummarizeOutcomes(outcomes),
					"outcomes": outcomeList(outcomes),
				})
			})
		}
	})

	return r
}

func mountRecordRoutes(r chi.Router, deps Deps, logger *slog.Logger) {
	// ---------------- CREATE RECORD ----------------

	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := decodeCreateRecordRequest(r)
		if err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		rec, err := deps.Records.Create(r.Context(), domain.CreateRecordParams{
			Client:     reqBody.Client,
			Criteria:   reqBody.Criteria,
			WebhookURL: reqBody.WebhookURL,
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidCriteria) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			requestLogger(r.Context(), logger).Error("create record failed", "error", err)
			http.Error(w, "failed to create record", http.StatusInternalServerError)
			return
		}

		requestLogger(r.Context(), logger).Info("record created via API", "record_id", rec.ID, "client", rec.Client)
		writeJSON(w, http.StatusCreated, rec)
	})

	// ---------------- LIST RECORDS ----------------

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		filter := repository.RecordFilter{
			Status: domain.RecordStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			filter.Limit = n
		}

		recs, err := deps.Records.List(r.Context(), filter)
		if err != nil {
			requestLogger(r.Context(), logger).Error("list records failed", "error", err)
			http.Error(w, "failed to list records", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs})
	})

	// ---------------- GET RECORD ----------------

	r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(w, r)
		if !ok {
			return
		}

		rec, err := deps.Records.Get(r.Context(), id)
		if err != nil {
			writeRecordError(w, requestLogger(r.Context(), logger), "get record", id, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	// ---------------- APPROVE RECORD ----------------

	r.Post("/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(w, r)
		if !ok {
			return
		}

		rec, err := deps.Records.Approve(r.Context(), id)
		if err != nil {
			writeRecordError(w, requestLogger(r.Context(), logger), "approve record", id, err)
			return
		}

		if deps.Events != nil {
			if _, err := deps.Events.Append(r.Context(), id, domain.EventApproved, nil); err != nil {
				requestLogger(r.Context(), logger).Warn("append approved event failed", "record_id", id, "error", err)
			}
		}

		requestLogger(r.Context(), logger).Info("record approved via API", "record_id", id)
		writeJSON(w, http.StatusOK, rec)
	})

	// ---------------- SUBMIT RECORD ----------------

	r.Post("/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(w, r)
		if !ok {
			return
		}
		if deps.Engine == nil {
			http.Error(w, "submission is not configured", http.StatusServiceUnavailable)
			return
		}

		outcome, err := deps.Engine.Submit(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrCredentialUnavailable):
				requestLogger(r.Context(), logger).Error("submit record without credential", "record_id", id, "error", err)
				http.Error(w, "provider credential unavailable", http.StatusServiceUnavailable)
			default:
				writeRecordError(w, requestLogger(r.Context(), logger), "submit record", id, err)
			}
			return
		}

		status := http.StatusOK
		if outcome.State == domain.StepFailed {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, outcome)
	})

	// ---------------- LIST / STREAM EVENTS ----------------

	r.Get("/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(w, r)
		if !ok {
			return
		}

		if _, err := deps.Records.Get(r.Context(), id); err != nil {
			writeRecordError(w, requestLogger(r.Context(), logger), "get record for events", id, err)
			return
		}

		if deps.Events == nil {
			requestLogger(r.Context(), logger).Error("events repository is not configured")
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}

		since := strings.TrimSpace(r.URL.Query().Get("since_id"))
		cursor, err := resolveEventsCursor(r.Context(), deps.Events, id, since)
		if err != nil {
			if errors.Is(err, errInvalidSinceID) {
				http.Error(w, "invalid since_id", http.StatusBadRequest)
				return
			}
			requestLogger(r.Context(), logger).Error("resolve events cursor failed",
				"record_id", id,
				"since_id", since,
				"error", err,
			)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}

		if !wantsEventStream(r) {
			events, err := deps.Events.ListEventsAfter(r.Context(), id, cursor)
			if err != nil {
				requestLogger(r.Context(), logger).Error("list events failed", "record_id", id, "error", err)
				http.Error(w, "failed to list events", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"record_id": id,
				"events":    events,
			})
			return
		}

		streamEvents(w, r, deps.Events, requestLogger(r.Context(), logger), id, cursor)
	})
}

// streamEvents writes events as server-sent events, polling for new ones
// until the client disconnects.
func streamEvents(w http.ResponseWriter, r *http.Request, events EventStreamer, logger *slog.Logger, id uuid.UUID, cursor int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvents := func() error {
		batch, err := events.ListEventsAfter(r.Context(), id, cursor)
		if err != nil {
			return err
		}

		for _, ev := range batch {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return err
			}
			flusher.Flush()
			cursor = ev.Seq
		}

		return nil
	}

	if err := writeEvents(); err != nil {
		logger.Error("sse initial write failed", "record_id", id, "error", err)
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeEvents(); err != nil {
				logger.Error("sse write failed", "record_id", id, "error", err)
				return
			}
		}
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func recordIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid record ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeRecordError(w http.ResponseWriter, logger *slog.Logger, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		logger.Warn("record not found", "record_id", id)
		http.Error(w, "record not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrStatusConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Error(op+" failed", "record_id", id, "error", err)
		http.Error(w, "failed to "+op, http.StatusInternalServerError)
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": verr,
		})
		return
	}
	http.Error(w, err.Error(), http.StatusUnprocessableEntity)
}

func outcomeList(outcomes map[int]domain.StepOutcome) []domain.StepOutcome {
	out := make([]domain.StepOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b domain.StepOutcome) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodePlanRequest(r *http.Request) (domain.Plan, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return domain.Plan{}, errors.New("request body is empty")
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBodyBytes))
	if err != nil {
		return domain.Plan{}, err
	}
	return engine.DecodePlan(data)
}

func decodeCreateRecordRequest(r *http.Request) (createRecordRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return createRecordRequest{}, domain.ErrInvalidCriteria
	}

	var req createRecordRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return createRecordRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return createRecordRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	if len(req.Criteria) == 0 {
		return createRecordRequest{}, fmt.Errorf("%w: criteria must not be empty", domain.ErrInvalidCriteria)
	}

	req.Client = strings.TrimSpace(req.Client)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if req.WebhookURL == "" {
		return req, nil
	}

	parsed, err := url.Parse(req.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return createRecordRequest{}, errors.New("invalid webhook_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return createRecordRequest{}, errors.New("unsupported webhook_url scheme")
	}

	return req, nil
}

var errInvalidSinceID = errors.New("invalid since_id")

func resolveEventsCursor(
	ctx context.Context,
	events EventStreamer,
	recordID uuid.UUID,
	since string,
) (int64, error) {
	if since == "" {
		return 0, nil
	}

	if seq, err := strconv.ParseInt(since, 10, 64); err == nil {
		if seq < 0 {
			return 0, errInvalidSinceID
		}
		return seq, nil
	}

	eventID, err := uuid.Parse(since)
	if err != nil {
		return 0, errInvalidSinceID
	}

	seq, err := events.ResolveCursorByEventID(ctx, recordID, eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errInvalidSinceID
		}
		return 0, err
	}

	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
