// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/provider"
	"github.com/rillation/enrichment-runtime/internal/repository"
)

// providerServer answers preview and create with fixed bodies and logs
// every path it serves.
type providerServer struct {
	mu      sync.Mutex
	paths   []string
	preview string
	create  string
}

func (p *providerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.paths = append(p.paths, r.Method+" "+r.URL.Path)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/search/preview"):
		_, _ = w.Write([]byte(p.preview))
	case strings.HasSuffix(r.URL.Path, "/wizard/create-table"):
		_, _ = w.Write([]byte(p.create))
	default:
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func (p *providerServer) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

func newRoundTripExecutor(t *testing.T, srv *providerServer) (*AddSourceExecutor, *repository.MemoryRecordStore) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := provider.NewClient(provider.Config{
		BaseURL:     ts.URL,
		WorkspaceID: "ws-1",
		Credentials: provider.StaticCredentials("token"),
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return newExecutor(t, client)
}

func TestSubmitEndToEndWithoutSourceID(t *testing.T) {
	srv := &providerServer{
		preview: `{"taskId":"task-42","data":{"totalCount":42}}`,
		create:  `{"table":{"tableId":"t1"},"workbookId":"w1"}`,
	}
	exec, store := newRoundTripExecutor(t, srv)
	id := seedRecord(t, store, domain.Criteria{"industry": "software", "country": "US"})

	res, err := exec.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if res.Status != domain.RecordSubmitted || res.MatchCount != 42 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.TableID != "t1" || res.WorkbookID != "w1" || res.SourceID != "" {
		t.Fatalf("unexpected identifiers %+v", res)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", res.Warnings)
	}

	paths := srv.Paths()
	want := []string{
		"POST /v3/workspaces/ws-1/search/preview",
		"POST /v3/workspaces/ws-1/wizard/create-table",
		"POST /v3/tables/t1/populate",
	}
	if !equalCalls(paths, want...) {
		t.Fatalf("unexpected provider calls\n got: %v\nwant: %v", paths, want)
	}

	rec, _ := store.Get(context.Background(), id)
	if rec.Status != domain.RecordSubmitted || rec.ProviderTableID != "t1" || rec.ProviderSourceID != "" {
		t.Fatalf("unexpected stored record %+v", rec)
	}
}

func TestSubmitZeroMatchesAcrossResponseShapes(t *testing.T) {
	shapes := []string{
		`{"taskId":"a","matchCount":0}`,
		`{"taskId":"a","totalCount":0}`,
		`{"taskId":"a","data":{"totalCount":0}}`,
		`{"task":{"id":"a"},"preview":{"total":0}}`,
		`{"taskId":"a","result":{"numResults":0}}`,
		`{"taskId":"a"}`,
	}

	for _, body := range shapes {
		srv := &providerServer{preview: body, create: `{"tableId":"t1"}`}
		exec, store := newRoundTripExecutor(t, srv)
		id := seedRecord(t, store, domain.Criteria{"city": "Dunedin"})

		res, err := exec.Submit(context.Background(), id)

		var noMatch *domain.NoMatchError
		if !errors.As(err, &noMatch) {
			t.Fatalf("body %s: expected NoMatchError, got %v", body, err)
		}
		if res.Status != domain.RecordFailed || len(res.Suggestions) == 0 {
			t.Fatalf("body %s: unexpected result %+v", body, res)
		}
		if len(srv.Paths()) != 1 {
			t.Fatalf("body %s: create must not be called, got %v", body, srv.Paths())
		}
	}
}

func TestSubmitExtractsSourceIDAtEveryKnownNesting(t *testing.T) {
	cases := map[string]string{
		"top level":       `{"tableId":"t1","sourceId":"s-top"}`,
		"source object":   `{"table":{"id":"t1"},"source":{"id":"s-top"}}`,
		"table sources[]": `{"table":{"id":"t1","sources":[{"id":"s-top"}]}}`,
	}

	for name, body := range cases {
		srv := &providerServer{preview: `{"taskId":"a","matchCount":5}`, create: body}
		exec, store := newRoundTripExecutor(t, srv)
		id := seedRecord(t, store, nil)

		res, err := exec.Submit(context.Background(), id)
		if err != nil {
			t.Fatalf("%s: submit: %v", name, err)
		}
		if res.SourceID != "s-top" || res.TableID != "t1" {
			t.Fatalf("%s: unexpected identifiers %+v", name, res)
		}

		fallbacks := 0
		for _, p := range srv.Paths() {
			if strings.Contains(p, "/sources/s-top") {
				fallbacks++
			}
		}
		if fallbacks != 3 {
			t.Fatalf("%s: expected three fallback calls for the source, got %v", name, srv.Paths())
		}
	}
}
