// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/provider"
	"github.com/rillation/enrichment-runtime/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource records every call and answers from per-operation hooks.
// Unset hooks answer 200 with an empty JSON object.
type fakeSource struct {
	mu    sync.Mutex
	calls []string

	preview  func(ctx context.Context) (provider.PreviewResult, error)
	create   func(ctx context.Context, taskID string) (provider.CreateTableResult, error)
	populate func(ctx context.Context) (provider.Response, error)
	fallback map[string]func(ctx context.Context) (provider.Response, error)

	fallbackSourceIDs []string
}

var okResponse = provider.Response{Status: http.StatusOK, Body: []byte(`{}`)}

func (f *fakeSource) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSource) Preview(ctx context.Context, _ domain.Criteria) (provider.PreviewResult, error) {
	f.record("preview")
	if f.preview != nil {
		return f.preview(ctx)
	}
	return provider.PreviewResult{Response: okResponse, TaskID: "task-1", MatchCount: 10}, nil
}

func (f *fakeSource) CreateTable(ctx context.Context, _ domain.Criteria, taskID string, _ []provider.FieldMapping) (provider.CreateTableResult, error) {
	f.record("create")
	if f.create != nil {
		return f.create(ctx, taskID)
	}
	return provider.CreateTableResult{Response: okResponse, TableID: "t1", WorkbookID: "w1"}, nil
}

func (f *fakeSource) Populate(ctx context.Context, _, _ string) (provider.Response, error) {
	f.record("populate")
	if f.populate != nil {
		return f.populate(ctx)
	}
	return okResponse, nil
}

func (f *fakeSource) runFallback(ctx context.Context, name, sourceID string) (provider.Response, error) {
	f.record(name)
	f.mu.Lock()
	f.fallbackSourceIDs = append(f.fallbackSourceIDs, sourceID)
	f.mu.Unlock()
	if h := f.fallback[name]; h != nil {
		return h(ctx)
	}
	return okResponse, nil
}

func (f *fakeSource) RunSource(ctx context.Context, _, sourceID string) (provider.Response, error) {
	return f.runFallback(ctx, "run_source", sourceID)
}

func (f *fakeSource) RefreshTableSource(ctx context.Context, _, sourceID string) (provider.Response, error) {
	return f.runFallback(ctx, "refresh_table_source", sourceID)
}

func (f *fakeSource) ActivateSource(ctx context.Context, _, sourceID string) (provider.Response, error) {
	return f.runFallback(ctx, "activate_source", sourceID)
}

func newExecutor(t *testing.T, src SourceProvider) (*AddSourceExecutor, *repository.MemoryRecordStore) {
	t.Helper()
	store := repository.NewMemoryRecordStore()
	exec := NewAddSourceExecutor(AddSourceDeps{
		Provider: src,
		Store:    store,
		Events:   store,
		Logger:   discardLogger(),
	})
	return exec, store
}

func seedRecord(t *testing.T, store *repository.MemoryRecordStore, criteria domain.Criteria) uuid.UUID {
	t.Helper()
	rec, err := store.Create(context.Background(), domain.CreateRecordParams{Client: "acme", Criteria: criteria})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := store.Approve(context.Background(), rec.ID); err != nil {
		t.Fatalf("approve record: %v", err)
	}
	return rec.ID
}

func equalCalls(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSubmitRunsAllPhasesWhenSourceIsKnown(t *testing.T) {
	src := &fakeSource{
		create: func(context.Context, string) (provider.CreateTableResult, error) {
			return provider.CreateTableResult{Response: okResponse, TableID: "t1", WorkbookID: "w1", SourceID: "s1"}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, domain.Criteria{"industry": "software"})

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if !equalCalls(src.Calls(), "preview", "create", "populate", "run_source", "refresh_table_source", "activate_source") {
		t.Fatalf("unexpected call order %v", src.Calls())
	}
	for _, sid := range src.fallbackSourceIDs {
		if sid != "s1" {
			t.Fatalf("fallback called with source %q", sid)
		}
	}
	if res.Status != domain.RecordSubmitted || res.TableID != "t1" || res.SourceID != "s1" {
		t.Fatalf("unexpected result %+v", res)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordSubmitted {
		t.Fatalf("expected submitted record, got %s", rec.Status)
	}
	if rec.ProviderTaskID != "task-1" || rec.ProviderWorkbookID != "w1" || rec.ProviderSourceID != "s1" {
		t.Fatalf("unexpected stored identifiers %+v", rec)
	}
	if rec.SubmittedAt == nil || rec.ErrorMessage != "" {
		t.Fatalf("expected submitted_at set and error cleared, got %+v", rec)
	}

	types := store.EventTypes(id)
	if len(types) == 0 || types[len(types)-1] != domain.EventSubmitted {
		t.Fatalf("expected submitted audit event last, got %v", types)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	first, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	callsAfterFirst := len(src.Calls())

	second, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if len(src.Calls()) != callsAfterFirst {
		t.Fatalf("second submit made provider calls: %v", src.Calls()[callsAfterFirst:])
	}
	if !second.AlreadySubmitted {
		t.Fatal("expected second result to be flagged already submitted")
	}
	if first.TableID != second.TableID || first.WorkbookID != second.WorkbookID || first.TaskID != second.TaskID {
		t.Fatalf("identifiers differ: first=%+v second=%+v", first, second)
	}

	third, _ := exec.Submit(context.Background(), id)
	if third.TableID != second.TableID {
		t.Fatalf("repeat submit changed identifiers: %+v", third)
	}
}

func TestSubmitZeroMatchesStopsBeforeCreate(t *testing.T) {
	src := &fakeSource{
		preview: func(context.Context) (provider.PreviewResult, error) {
			return provider.PreviewResult{Response: okResponse, TaskID: "task-0", MatchCount: 0}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, domain.Criteria{"country": "NZ", "min_employees": 500})

	res, err := exec.Submit(context.Background(), id)

	var noMatch *domain.NoMatchError
	if !errors.As(err, &noMatch) {
		t.Fatalf("expected NoMatchError, got %v", err)
	}
	if len(noMatch.Suggestions) < 3 {
		t.Fatalf("expected geography, size and generic hints, got %v", noMatch.Suggestions)
	}
	if !equalCalls(src.Calls(), "preview") {
		t.Fatalf("expected only the preview call, got %v", src.Calls())
	}
	if res.Status != domain.RecordFailed || len(res.Suggestions) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordFailed || rec.ErrorMessage == "" {
		t.Fatalf("expected failed record with message, got %+v", rec)
	}
	if rec.ProviderTaskID != "task-0" {
		t.Fatalf("task id must be persisted even on zero matches, got %q", rec.ProviderTaskID)
	}
}

func TestSubmitCreateRejectionCapturesRawBody(t *testing.T) {
	body := `{"error":"quota exceeded"}`
	src := &fakeSource{
		create: func(context.Context, string) (provider.CreateTableResult, error) {
			return provider.CreateTableResult{Response: provider.Response{Status: http.StatusPaymentRequired, Body: []byte(body)}}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	_, err := exec.Submit(context.Background(), id)

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Phase != domain.PhaseCreate || perr.Status != http.StatusPaymentRequired {
		t.Fatalf("unexpected provider error %+v", perr)
	}
	if !equalCalls(src.Calls(), "preview", "create") {
		t.Fatalf("population must not run after a failed create, got %v", src.Calls())
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordFailed || rec.RawResponse != body {
		t.Fatalf("expected failed record with raw body, got %+v", rec)
	}
	if rec.ProviderTaskID != "task-1" {
		t.Fatalf("expected preview task id kept for retry, got %q", rec.ProviderTaskID)
	}
}

func TestSubmitCreateWithoutTableIDFails(t *testing.T) {
	src := &fakeSource{
		create: func(context.Context, string) (provider.CreateTableResult, error) {
			return provider.CreateTableResult{Response: okResponse}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	_, err := exec.Submit(context.Background(), id)
	if !errors.Is(err, errMissingTableID) {
		t.Fatalf("expected missing table id error, got %v", err)
	}
	if domain.KindOf(err) != domain.KindProvider {
		t.Fatalf("expected provider kind, got %s", domain.KindOf(err))
	}
}

func TestSubmitCreateRejectionStoresValidText(t *testing.T) {
	// Once the NUL is dropped the multibyte rune straddles the truncation limit.
	body := "\x00" + strings.Repeat("a", maxWarningBody-1) + "é" + "tail\xff"
	src := &fakeSource{
		create: func(context.Context, string) (provider.CreateTableResult, error) {
			return provider.CreateTableResult{Response: provider.Response{Status: http.StatusBadRequest, Body: []byte(body)}}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	_, err := exec.Submit(context.Background(), id)

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !utf8.ValidString(perr.Body) || !strings.HasSuffix(perr.Body, "a...") {
		t.Fatalf("truncated body split a rune: %q", perr.Body[len(perr.Body)-8:])
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
	for name, v := range map[string]string{"error_message": rec.ErrorMessage, "raw_response": rec.RawResponse} {
		if !utf8.ValidString(v) {
			t.Fatalf("%s is not valid UTF-8", name)
		}
		if strings.ContainsRune(v, 0) {
			t.Fatalf("%s still contains a NUL byte", name)
		}
	}
	want := strings.Repeat("a", maxWarningBody-1) + "é" + "tail\uFFFD"
	if rec.RawResponse != want {
		t.Fatalf("unexpected stored raw response tail %q", rec.RawResponse[len(rec.RawResponse)-12:])
	}
}

func TestSubmitPreviewWithoutTaskIDFails(t *testing.T) {
	src := &fakeSource{
		preview: func(context.Context) (provider.PreviewResult, error) {
			return provider.PreviewResult{Response: okResponse, MatchCount: 4}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	_, err := exec.Submit(context.Background(), id)
	if !errors.Is(err, errMissingTaskID) {
		t.Fatalf("expected missing task id error, got %v", err)
	}
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Phase != domain.PhasePreview {
		t.Fatalf("expected preview-phase provider error, got %v", err)
	}
	if !equalCalls(src.Calls(), "preview") {
		t.Fatalf("table creation must not run without a task id, got %v", src.Calls())
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordFailed || rec.ProviderTaskID != "" {
		t.Fatalf("expected failed record without task id, got %+v", rec)
	}
	types := store.EventTypes(id)
	if len(types) == 0 || types[len(types)-1] != domain.EventPreviewFailed {
		t.Fatalf("expected preview_failed event last, got %v", types)
	}
}

func TestSubmitPopulateFailureIsAWarning(t *testing.T) {
	src := &fakeSource{
		populate: func(context.Context) (provider.Response, error) {
			return provider.Response{Status: http.StatusServiceUnavailable, Body: []byte("busy")}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("populate failure must not fail the submission: %v", err)
	}
	if res.Status != domain.RecordSubmitted {
		t.Fatalf("expected submitted, got %s", res.Status)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Phase != domain.PhasePopulate || res.Warnings[0].Status != http.StatusServiceUnavailable {
		t.Fatalf("expected one populate warning, got %+v", res.Warnings)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordSubmitted {
		t.Fatalf("expected stored status submitted, got %s", rec.Status)
	}
}

func TestSubmitFallbackAttemptsAreIsolated(t *testing.T) {
	src := &fakeSource{
		create: func(context.Context, string) (provider.CreateTableResult, error) {
			return provider.CreateTableResult{Response: okResponse, TableID: "t1", SourceID: "s1"}, nil
		},
		fallback: map[string]func(context.Context) (provider.Response, error){
			"run_source": func(context.Context) (provider.Response, error) {
				return provider.Response{}, errors.New("connection reset")
			},
			"refresh_table_source": func(context.Context) (provider.Response, error) {
				panic("unexpected nil body")
			},
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("fallback failures must not fail the submission: %v", err)
	}
	if !equalCalls(src.Calls(), "preview", "create", "populate", "run_source", "refresh_table_source", "activate_source") {
		t.Fatalf("every fallback should run, got %v", src.Calls())
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected two fallback warnings, got %+v", res.Warnings)
	}
	for _, w := range res.Warnings {
		if w.Phase != domain.PhaseFallback {
			t.Fatalf("unexpected warning phase %+v", w)
		}
	}
	if res.Status != domain.RecordSubmitted {
		t.Fatalf("expected submitted, got %s", res.Status)
	}
}

func TestSubmitWithoutSourceSkipsFallbacks(t *testing.T) {
	src := &fakeSource{}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !equalCalls(src.Calls(), "preview", "create", "populate") {
		t.Fatalf("fallbacks must not run without a source id, got %v", src.Calls())
	}
	if res.SourceID != "" || len(res.Warnings) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitRetryResumesAtCreate(t *testing.T) {
	createCalls := 0
	src := &fakeSource{
		create: func(_ context.Context, taskID string) (provider.CreateTableResult, error) {
			createCalls++
			if createCalls == 1 {
				return provider.CreateTableResult{Response: provider.Response{Status: http.StatusBadGateway, Body: []byte("bad gateway")}}, nil
			}
			if taskID != "task-1" {
				t.Errorf("retry must reuse the stored task id, got %q", taskID)
			}
			return provider.CreateTableResult{Response: okResponse, TableID: "t2"}, nil
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	if _, err := exec.Submit(context.Background(), id); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !equalCalls(src.Calls(), "preview", "create", "create", "populate") {
		t.Fatalf("retry should skip the preview, got %v", src.Calls())
	}
	if res.TableID != "t2" || res.MatchCount != 10 {
		t.Fatalf("unexpected retry result %+v", res)
	}
}

func TestSubmitCredentialErrorIsReturnedWithoutFailingRecord(t *testing.T) {
	src := &fakeSource{
		preview: func(context.Context) (provider.PreviewResult, error) {
			return provider.PreviewResult{}, domain.ErrCredentialUnavailable
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	_, err := exec.Submit(context.Background(), id)
	if !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected credential error, got %v", err)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordApproved {
		t.Fatalf("record must stay approved on a configuration error, got %s", rec.Status)
	}
}

func TestSubmitCanceledDuringPopulationStillFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{
		populate: func(callCtx context.Context) (provider.Response, error) {
			cancel()
			<-callCtx.Done()
			return provider.Response{}, callCtx.Err()
		},
	}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	res, err := exec.Submit(ctx, id)
	if err != nil {
		t.Fatalf("cancellation during population must not fail the submission: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected the canceled populate call as a warning, got %+v", res.Warnings)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordSubmitted {
		t.Fatalf("expected submitted after cancellation, got %s", rec.Status)
	}
}

func TestSubmitCanceledPreviewIsFatal(t *testing.T) {
	src := &fakeSource{
		preview: func(ctx context.Context) (provider.PreviewResult, error) {
			<-ctx.Done()
			return provider.PreviewResult{}, ctx.Err()
		},
	}
	store := repository.NewMemoryRecordStore()
	exec := NewAddSourceExecutor(AddSourceDeps{
		Provider:       src,
		Store:          store,
		Logger:         discardLogger(),
		PreviewTimeout: 10 * time.Millisecond,
	})
	id := seedRecord(t, store, nil)

	_, err := exec.Submit(context.Background(), id)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordFailed {
		t.Fatalf("expected failed after preview timeout, got %s", rec.Status)
	}
}

func TestSubmitConcurrentAttemptsCreateOneTable(t *testing.T) {
	src := &fakeSource{}
	exec, store := newExecutor(t, src)
	id := seedRecord(t, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exec.Submit(context.Background(), id); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	creates := 0
	for _, c := range src.Calls() {
		if c == "create" {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected exactly one create call, got %d", creates)
	}
	if exec.locks.size() != 0 {
		t.Fatalf("expected record locks to be released, %d remain", exec.locks.size())
	}
}

func TestSubmitReportsConcurrentWinnerAfterStatusConflict(t *testing.T) {
	var (
		store *repository.MemoryRecordStore
		id    uuid.UUID
	)
	src := &fakeSource{
		create: func(ctx context.Context, _ string) (provider.CreateTableResult, error) {
			// Another process finishes the record while this create is in flight.
			_, err := store.Transition(ctx, id, submittable, domain.RecordPatch{
				Status:          domain.Ptr(domain.RecordSubmitted),
				ProviderTableID: domain.Ptr("t-winner"),
			})
			if err != nil {
				t.Errorf("concurrent submit: %v", err)
			}
			return provider.CreateTableResult{Response: okResponse, TableID: "t-loser"}, nil
		},
	}
	var exec *AddSourceExecutor
	exec, store = newExecutor(t, src)
	id = seedRecord(t, store, nil)

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("expected the concurrent submission to be reported, got %v", err)
	}
	if !res.AlreadySubmitted || res.TableID != "t-winner" || res.Status != domain.RecordSubmitted {
		t.Fatalf("unexpected result %+v", res)
	}
	if !equalCalls(src.Calls(), "preview", "create") {
		t.Fatalf("population must not run for a discarded table, got %v", src.Calls())
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.ProviderTableID != "t-winner" {
		t.Fatalf("winner's table id overwritten: %q", rec.ProviderTableID)
	}
}

func TestSubmitMissingRecord(t *testing.T) {
	exec, _ := newExecutor(t, &fakeSource{})
	_, err := exec.Submit(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestExecuteRequiresRecord(t *testing.T) {
	exec, _ := newExecutor(t, &fakeSource{})
	_, err := exec.Execute(context.Background(), domain.StepRequest{Step: domain.PlanStep{Order: 3, Type: domain.StepAddSource}})
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
