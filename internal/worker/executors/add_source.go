// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/metrics"
	"github.com/rillation/enrichment-runtime/internal/provider"
	"github.com/rillation/enrichment-runtime/internal/repository"
)

const (
	defaultPreviewTimeout  = 30 * time.Second
	defaultCreateTimeout   = 2 * time.Minute
	defaultPopulateTimeout = 20 * time.Second
)

var (
	errMissingTaskID  = errors.New("preview response carried no task id")
	errMissingTableID = errors.New("create response carried no table id")
)

// submittable are the statuses a record may leave for submitted or failed.
var submittable = []domain.RecordStatus{
	domain.RecordPendingReview,
	domain.RecordApproved,
	domain.RecordFailed,
}

type AddSourceDeps struct {
	Provider SourceProvider
	Store    repository.RecordStore
	Events   repository.EventLog
	Logger   *slog.Logger

	// FieldTemplate defaults to provider.DefaultFieldTemplate.
	FieldTemplate []provider.FieldMapping

	PreviewTimeout  time.Duration
	CreateTimeout   time.Duration
	PopulateTimeout time.Duration

	Now func() time.Time
}

// AddSourceExecutor submits one execution record to the provider:
// preview, table creation, population and the population fallbacks.
type AddSourceExecutor struct {
	provider SourceProvider
	store    repository.RecordStore
	events   repository.EventLog
	logger   *slog.Logger
	template []provider.FieldMapping
	locks    *keyedMutex
	now      func() time.Time

	previewTimeout  time.Duration
	createTimeout   time.Duration
	populateTimeout time.Duration
}

func NewAddSourceExecutor(deps AddSourceDeps) *AddSourceExecutor {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	template := deps.FieldTemplate
	if len(template) == 0 {
		template = provider.DefaultFieldTemplate()
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &AddSourceExecutor{
		provider:        deps.Provider,
		store:           deps.Store,
		events:          deps.Events,
		logger:          l,
		template:        template,
		locks:           newKeyedMutex(),
		now:             now,
		previewTimeout:  durationOr(deps.PreviewTimeout, defaultPreviewTimeout),
		createTimeout:   durationOr(deps.CreateTimeout, defaultCreateTimeout),
		populateTimeout: durationOr(deps.PopulateTimeout, defaultPopulateTimeout),
	}
}

// Execute runs the protocol for the record a plan step resolved to.
func (e *AddSourceExecutor) Execute(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	if req.RecordID == uuid.Nil {
		return domain.StepResult{}, fmt.Errorf("%w: add_source step %d has no record", domain.ErrInvalidStep, req.Step.Order)
	}
	return e.Submit(ctx, req.RecordID)
}

// Submit drives record id to submitted or failed. Expected failures (no
// matches, provider rejection) are returned as *domain.NoMatchError or
// *domain.ProviderError alongside a result describing the stored state.
// A submitted record short-circuits without provider calls.
func (e *AddSourceExecutor) Submit(ctx context.Context, id uuid.UUID) (domain.StepResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.StepResult{RecordID: id}, fmt.Errorf("load record %s: %w", id, err)
	}

	if rec.Status == domain.RecordSubmitted {
		return e.alreadySubmitted(ctx, rec), nil
	}

	log := e.logger.With("record_id", id)
	res, err := e.submit(ctx, rec, log)
	if errors.Is(err, domain.ErrStatusConflict) {
		// Another process moved the record while this attempt held
		// provider state. If it won, report its submission.
		current, gerr := e.store.Get(context.WithoutCancel(ctx), id)
		if gerr == nil && current.Status == domain.RecordSubmitted {
			log.Warn("record submitted concurrently, discarding this attempt",
				"table_id", current.ProviderTableID,
				"discarded_table_id", res.TableID,
			)
			return e.alreadySubmitted(ctx, current), nil
		}
	}
	return res, err
}

func (e *AddSourceExecutor) submit(ctx context.Context, rec domain.ExecutionRecord, log *slog.Logger) (domain.StepResult, error) {
	s := &submission{rec: rec, result: domain.StepResult{RecordID: rec.ID}}

	if s.resumable() {
		s.result.TaskID = rec.ProviderTaskID
		s.result.MatchCount = *rec.MatchCount
		log.Info("resuming submission after preview", "task_id", rec.ProviderTaskID)
	} else {
		if err := e.preview(ctx, s, log); err != nil {
			return s.result, err
		}
	}

	if rec.ProviderTableID != "" {
		s.result.TableID = rec.ProviderTableID
		s.result.WorkbookID = rec.ProviderWorkbookID
		s.result.SourceID = rec.ProviderSourceID
		log.Info("table already created, skipping creation", "table_id", rec.ProviderTableID)
	} else {
		if err := e.create(ctx, s, log); err != nil {
			return s.result, err
		}
	}

	e.populate(ctx, s, log)

	return e.finalize(ctx, s, log)
}

// submission is the in-memory view of one attempt on a record.
type submission struct {
	rec     domain.ExecutionRecord
	result  domain.StepResult
	lastRaw string
}

// resumable reports whether a previous attempt already got a usable preview,
// so the retry starts at table creation.
func (s *submission) resumable() bool {
	return s.rec.ProviderTaskID != "" && s.rec.MatchCount != nil && *s.rec.MatchCount > 0
}

func (e *AddSourceExecutor) preview(ctx context.Context, s *submission, log *slog.Logger) error {
	callCtx, cancel := withTimeout(ctx, e.previewTimeout)
	res, err := e.provider.Preview(callCtx, s.rec.Criteria)
	cancel()

	if err != nil {
		if errors.Is(err, domain.ErrCredentialUnavailable) {
			return err
		}
		perr := &domain.ProviderError{Phase: domain.PhasePreview, Err: err}
		e.appendEvent(ctx, s.rec.ID, domain.EventPreviewFailed, map[string]any{"error": err.Error()})
		return e.fail(ctx, s, perr, nil, log)
	}

	s.lastRaw = res.Raw()
	s.result.RawResponse = s.lastRaw

	var perr *domain.ProviderError
	switch {
	case !res.OK():
		perr = &domain.ProviderError{Phase: domain.PhasePreview, Status: res.Status, Body: truncate(res.Raw(), maxWarningBody)}
	case res.TaskID == "" && res.MatchCount > 0:
		// Table creation needs the task id; without it nothing is resumable.
		perr = &domain.ProviderError{Phase: domain.PhasePreview, Status: res.Status, Err: errMissingTaskID}
	}
	if perr != nil {
		e.appendEvent(ctx, s.rec.ID, domain.EventPreviewFailed, map[string]any{
			"status": res.Status,
			"error":  perr.Error(),
		})
		return e.fail(ctx, s, perr, domain.Ptr(res.Raw()), log)
	}

	s.result.TaskID = res.TaskID
	s.result.MatchCount = res.MatchCount

	// The task id outlives any later failure so a retry can resume here.
	rec, err := e.transition(context.WithoutCancel(ctx), s.rec.ID, domain.RecordPatch{
		ProviderTaskID: domain.Ptr(res.TaskID),
		MatchCount:     domain.Ptr(res.MatchCount),
		RawResponse:    domain.Ptr(res.Raw()),
	})
	if err != nil {
		return fmt.Errorf("persist preview for record %s: %w", s.rec.ID, err)
	}
	s.rec = rec

	e.appendEvent(ctx, s.rec.ID, domain.EventPreviewCompleted, map[string]any{
		"taskId":     res.TaskID,
		"matchCount": res.MatchCount,
	})
	log.Info("preview completed", "task_id", res.TaskID, "match_count", res.MatchCount)

	if res.MatchCount > 0 {
		return nil
	}

	noMatch := &domain.NoMatchError{
		TaskID:      res.TaskID,
		Suggestions: zeroMatchSuggestions(s.rec.Criteria),
	}
	s.result.Suggestions = noMatch.Suggestions
	e.appendEvent(ctx, s.rec.ID, domain.EventNoMatches, map[string]any{"suggestions": noMatch.Suggestions})
	return e.fail(ctx, s, noMatch, nil, log)
}

func (e *AddSourceExecutor) create(ctx context.Context, s *submission, log *slog.Logger) error {
	callCtx, cancel := withTimeout(ctx, e.createTimeout)
	res, err := e.provider.CreateTable(callCtx, s.rec.Criteria, s.result.TaskID, e.template)
	cancel()

	if err != nil {
		if errors.Is(err, domain.ErrCredentialUnavailable) {
			return err
		}
		perr := &domain.ProviderError{Phase: domain.PhaseCreate, Err: err}
		e.appendEvent(ctx, s.rec.ID, domain.EventCreateFailed, map[string]any{"error": err.Error()})
		return e.fail(ctx, s, perr, nil, log)
	}

	s.lastRaw = res.Raw()
	s.result.RawResponse = s.lastRaw

	var perr *domain.ProviderError
	switch {
	case !res.OK():
		perr = &domain.ProviderError{Phase: domain.PhaseCreate, Status: res.Status, Body: truncate(res.Raw(), maxWarningBody)}
	case res.TableID == "":
		perr = &domain.ProviderError{Phase: domain.PhaseCreate, Status: res.Status, Err: errMissingTableID}
	}
	if perr != nil {
		e.appendEvent(ctx, s.rec.ID, domain.EventCreateFailed, map[string]any{
			"status": res.Status,
			"error":  perr.Error(),
		})
		return e.fail(ctx, s, perr, domain.Ptr(res.Raw()), log)
	}

	s.result.TableID = res.TableID
	s.result.WorkbookID = res.WorkbookID
	s.result.SourceID = res.SourceID

	// A created table is billable; remember it before best-effort phases.
	rec, err := e.transition(context.WithoutCancel(ctx), s.rec.ID, domain.RecordPatch{
		ProviderTableID:    domain.Ptr(res.TableID),
		ProviderWorkbookID: domain.Ptr(res.WorkbookID),
		ProviderSourceID:   domain.Ptr(res.SourceID),
		RawResponse:        domain.Ptr(res.Raw()),
	})
	if err != nil {
		return fmt.Errorf("persist table for record %s: %w", s.rec.ID, err)
	}
	s.rec = rec

	e.appendEvent(ctx, s.rec.ID, domain.EventTableCreated, map[string]any{
		"tableId":    res.TableID,
		"workbookId": res.WorkbookID,
		"sourceId":   res.SourceID,
	})
	log.Info("table created",
		"table_id", res.TableID,
		"workbook_id", res.WorkbookID,
		"source_id", res.SourceID,
	)
	return nil
}

// populate runs the bulk population call and, when the source id is
// known, the fallback calls. Nothing here fails the submission.
func (e *AddSourceExecutor) populate(ctx context.Context, s *submission, log *slog.Logger) {
	tableID, sourceID := s.result.TableID, s.result.SourceID

	outcomes := runAttempts(ctx, domain.PhasePopulate, e.populateTimeout, []Attempt{{
		Name: "populate",
		Call: func(ctx context.Context) (provider.Response, error) {
			return e.provider.Populate(ctx, tableID, sourceID)
		},
	}})

	if sourceID != "" {
		outcomes = append(outcomes, runAttempts(ctx, domain.PhaseFallback, e.populateTimeout, e.fallbacks(tableID, sourceID))...)
	}

	for _, o := range outcomes {
		if len(o.resp.Body) > 0 {
			s.lastRaw = o.resp.Raw()
		}
		if o.warning == nil {
			continue
		}
		w := *o.warning
		s.result.Warnings = append(s.result.Warnings, w)
		metrics.IncPopulationWarning(w.Attempt)
		e.appendEvent(ctx, s.rec.ID, domain.EventPopulationWarning, w)
		log.Warn("population attempt failed",
			"phase", w.Phase,
			"attempt", w.Attempt,
			"status", w.Status,
			"message", w.Message,
		)
	}
}

// fallbacks are alternate calls observed to start population when the
// populate endpoint accepts the request but does not run the source.
func (e *AddSourceExecutor) fallbacks(tableID, sourceID string) []Attempt {
	return []Attempt{
		{Name: "run_source", Call: func(ctx context.Context) (provider.Response, error) {
			return e.provider.RunSource(ctx, tableID, sourceID)
		}},
		{Name: "refresh_table_source", Call: func(ctx context.Context) (provider.Response, error) {
			return e.provider.RefreshTableSource(ctx, tableID, sourceID)
		}},
		{Name: "activate_source", Call: func(ctx context.Context) (provider.Response, error) {
			return e.provider.ActivateSource(ctx, tableID, sourceID)
		}},
	}
}

func (e *AddSourceExecutor) finalize(ctx context.Context, s *submission, log *slog.Logger) (domain.StepResult, error) {
	// Provider side effects already happened; the outcome is persisted even
	// when the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	now := e.now()
	rec, err := e.transition(ctx, s.rec.ID, domain.RecordPatch{
		Status:             domain.Ptr(domain.RecordSubmitted),
		ProviderTableID:    domain.Ptr(s.result.TableID),
		ProviderWorkbookID: domain.Ptr(s.result.WorkbookID),
		ProviderSourceID:   domain.Ptr(s.result.SourceID),
		RawResponse:        domain.Ptr(s.lastRaw),
		ErrorMessage:       domain.Ptr(""),
		SubmittedAt:        &now,
	})
	if err != nil {
		log.Error("finalize submission failed", "table_id", s.result.TableID, "error", err)
		return s.result, fmt.Errorf("finalize record %s: %w", s.rec.ID, err)
	}

	s.result.Status = rec.Status
	s.result.RawResponse = s.lastRaw
	metrics.IncSubmission(domain.RecordSubmitted)
	e.appendEvent(ctx, rec.ID, domain.EventSubmitted, map[string]any{
		"tableId":  s.result.TableID,
		"warnings": len(s.result.Warnings),
	})
	log.Info("record submitted",
		"table_id", s.result.TableID,
		"match_count", s.result.MatchCount,
		"warnings", len(s.result.Warnings),
	)
	return s.result, nil
}

// transition moves a submittable record, cleaning provider text first.
func (e *AddSourceExecutor) transition(ctx context.Context, id uuid.UUID, patch domain.RecordPatch) (domain.ExecutionRecord, error) {
	if patch.ErrorMessage != nil {
		patch.ErrorMessage = domain.Ptr(cleanText(*patch.ErrorMessage))
	}
	if patch.RawResponse != nil {
		patch.RawResponse = domain.Ptr(cleanText(*patch.RawResponse))
	}
	return e.store.Transition(ctx, id, submittable, patch)
}

// fail marks the record failed with cause as its message and returns cause.
func (e *AddSourceExecutor) fail(ctx context.Context, s *submission, cause error, raw *string, log *slog.Logger) error {
	patch := domain.RecordPatch{
		Status:       domain.Ptr(domain.RecordFailed),
		ErrorMessage: domain.Ptr(failureMessage(cause)),
		RawResponse:  raw,
	}

	s.result.Status = domain.RecordFailed
	if _, err := e.transition(context.WithoutCancel(ctx), s.rec.ID, patch); err != nil {
		log.Error("mark record failed", "cause", cause, "error", err)
		return errors.Join(cause, fmt.Errorf("persist failure for record %s: %w", s.rec.ID, err))
	}

	metrics.IncSubmission(domain.RecordFailed)
	log.Warn("submission failed", "kind", domain.KindOf(cause), "error", cause)
	return cause
}

func (e *AddSourceExecutor) alreadySubmitted(ctx context.Context, rec domain.ExecutionRecord) domain.StepResult {
	res := domain.StepResult{
		RecordID:         rec.ID,
		Status:           rec.Status,
		TaskID:           rec.ProviderTaskID,
		TableID:          rec.ProviderTableID,
		WorkbookID:       rec.ProviderWorkbookID,
		SourceID:         rec.ProviderSourceID,
		AlreadySubmitted: true,
		RawResponse:      rec.RawResponse,
	}
	if rec.MatchCount != nil {
		res.MatchCount = *rec.MatchCount
	}

	e.appendEvent(ctx, rec.ID, domain.EventAlreadySubmitted, map[string]any{"tableId": rec.ProviderTableID})
	e.logger.Info("record already submitted", "record_id", rec.ID, "table_id", rec.ProviderTableID)
	return res
}

func (e *AddSourceExecutor) appendEvent(ctx context.Context, id uuid.UUID, typ domain.EventType, payload any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(context.WithoutCancel(ctx), id, typ, payload); err != nil {
		e.logger.Warn("append record event failed", "record_id", id, "type", typ, "error", err)
	}
}

// failureMessage is the operator-facing error stored on the record.
func failureMessage(err error) string {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return err.Error()
	}
	switch perr.Phase {
	case domain.PhasePreview:
		return perr.Error() + "; check the criteria and the provider workspace, then retry"
	case domain.PhaseCreate:
		return perr.Error() + "; the preview task is kept, retrying resumes at table creation"
	default:
		return perr.Error()
	}
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
