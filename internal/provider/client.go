// SPDX-License-Identifier: Apache-2.0

// Package provider wraps the enrichment platform's HTTP API: the
// preview/search family, the table-creation wizard, and the population
// endpoints. Every call returns the raw body for audit.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/metrics"
)

const (
	maxResponseBytes = 4 << 20
	defaultUserAgent = "enrichment-runtime/1.0"
)

// Endpoints are path templates relative to BaseURL. {workspaceId},
// {tableId} and {sourceId} are substituted per call.
type Endpoints struct {
	Preview            string
	CreateTable        string
	Populate           string
	RunSource          string
	RefreshTableSource string
	ActivateSource     string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Preview:            "/v3/workspaces/{workspaceId}/search/preview",
		CreateTable:        "/v3/workspaces/{workspaceId}/wizard/create-table",
		Populate:           "/v3/tables/{tableId}/populate",
		RunSource:          "/v3/sources/{sourceId}/run",
		RefreshTableSource: "/v3/tables/{tableId}/sources/{sourceId}/refresh",
		ActivateSource:     "/v3/sources/{sourceId}",
	}
}

type Config struct {
	BaseURL        string
	WorkspaceID    string
	Credentials    CredentialProvider
	HTTPClient     *http.Client
	RequestsPerMin int
	Endpoints      Endpoints
	UserAgent      string
	Logger         *slog.Logger
}

type Client struct {
	baseURL     string
	workspaceID string
	creds       CredentialProvider
	httpClient  *http.Client
	endpoints   Endpoints
	userAgent   string
	throttle    *throttle
	logger      *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid provider base url %q", cfg.BaseURL)
	}
	if cfg.Credentials == nil {
		return nil, errors.New("provider credentials are required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		// Per-call deadlines come from the caller's context.
		hc = &http.Client{}
	}

	endpoints := cfg.Endpoints
	defaults := DefaultEndpoints()
	if endpoints.Preview == "" {
		endpoints.Preview = defaults.Preview
	}
	if endpoints.CreateTable == "" {
		endpoints.CreateTable = defaults.CreateTable
	}
	if endpoints.Populate == "" {
		endpoints.Populate = defaults.Populate
	}
	if endpoints.RunSource == "" {
		endpoints.RunSource = defaults.RunSource
	}
	if endpoints.RefreshTableSource == "" {
		endpoints.RefreshTableSource = defaults.RefreshTableSource
	}
	if endpoints.ActivateSource == "" {
		endpoints.ActivateSource = defaults.ActivateSource
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		baseURL:     base,
		workspaceID: cfg.WorkspaceID,
		creds:       cfg.Credentials,
		httpClient:  hc,
		endpoints:   endpoints,
		userAgent:   ua,
		throttle:    newThrottle(cfg.RequestsPerMin),
		logger:      logger,
	}, nil
}

// Response is a completed round trip. Non-2xx statuses are not errors at
// this layer; callers decide which phases treat them as fatal.
type Response struct {
	Status int
	Body   []byte
}

func (r Response) OK() bool {
	return r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

func (r Response) Raw() string {
	return string(r.Body)
}

type PreviewResult struct {
	Response
	TaskID     string
	MatchCount int
}

type CreateTableResult struct {
	Response
	TableID    string
	WorkbookID string
	SourceID   string
}

func (c *Client) Preview(ctx context.Context, criteria domain.Criteria) (PreviewResult, error) {
	body := map[string]any{
		"workspaceId": c.workspaceID,
		"criteria":    criteria,
		"dryRun":      true,
		"sync":        true,
	}

	resp, err := c.call(ctx, "preview", http.MethodPost, c.endpoints.Preview, nil, body)
	if err != nil {
		return PreviewResult{}, err
	}

	out := PreviewResult{Response: resp}
	if !resp.OK() {
		return out, nil
	}

	doc := ParseBody(resp.Body)
	out.TaskID, _ = TaskIDRules.String(doc)
	out.MatchCount, _ = MatchCountRules.Int(doc)
	return out, nil
}

// CreateTable runs the table-creation wizard. The provider does not carry the
// preview's filter state over, so the full criteria are sent again.
func (c *Client) CreateTable(
	ctx context.Context,
	criteria domain.Criteria,
	taskID string,
	template []FieldMapping,
) (CreateTableResult, error) {
	body := map[string]any{
		"workspaceId": c.workspaceID,
		"taskId":      taskID,
		"criteria":    criteria,
		"fields":      template,
	}

	resp, err := c.call(ctx, "create_table", http.MethodPost, c.endpoints.CreateTable, nil, body)
	if err != nil {
		return CreateTableResult{}, err
	}

	out := CreateTableResult{Response: resp}
	if !resp.OK() {
		return out, nil
	}

	doc := ParseBody(resp.Body)
	out.TableID, _ = TableIDRules.String(doc)
	out.WorkbookID, _ = WorkbookIDRules.String(doc)
	out.SourceID, _ = SourceIDRules.String(doc)
	return out, nil
}

func (c *Client) Populate(ctx context.Context, tableID, sourceID string) (Response, error) {
	body := map[string]any{}
	if sourceID != "" {
		body["sourceId"] = sourceID
	}
	return c.call(ctx, "populate", http.MethodPost, c.endpoints.Populate,
		map[string]string{"tableId": tableID, "sourceId": sourceID}, body)
}

func (c *Client) RunSource(ctx context.Context, tableID, sourceID string) (Response, error) {
	return c.call(ctx, "run_source", http.MethodPost, c.endpoints.RunSource,
		map[string]string{"tableId": tableID, "sourceId": sourceID},
		map[string]any{"tableId": tableID})
}

func (c *Client) RefreshTableSource(ctx context.Context, tableID, sourceID string) (Response, error) {
	return c.call(ctx, "refresh_table_source", http.MethodPost, c.endpoints.RefreshTableSource,
		map[string]string{"tableId": tableID, "sourceId": sourceID},
		map[string]any{"force": true})
}

func (c *Client) ActivateSource(ctx context.Context, tableID, sourceID string) (Response, error) {
	return c.call(ctx, "activate_source", http.MethodPatch, c.endpoints.ActivateSource,
		map[string]string{"tableId": tableID, "sourceId": sourceID},
		map[string]any{"status": "active", "autoRun": true})
}

// Do issues a plan-defined operation. The path must already be rendered.
func (c *Client) Do(ctx context.Context, method, path string, body any) (Response, error) {
	return c.call(ctx, "operation", method, path, nil, body)
}

func (c *Client) call(
	ctx context.Context,
	operation string,
	method string,
	pathTemplate string,
	params map[string]string,
	body any,
) (Response, error) {
	started := time.Now()
	resp, err := c.roundTrip(ctx, method, c.expand(pathTemplate, params), body)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !resp.OK():
		outcome = "non_2xx"
	}
	metrics.ObserveProviderCall(operation, outcome, time.Since(started))

	if err != nil {
		c.logger.Warn("provider call failed",
			"operation", operation,
			"method", method,
			"error", err,
		)
		return Response{}, err
	}

	c.logger.Debug("provider call completed",
		"operation", operation,
		"method", method,
		"status", resp.Status,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (Response, error) {
	token, err := c.creds.Credential(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialUnavailable) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %v", domain.ErrCredentialUnavailable, err)
	}

	if err := c.throttle.Wait(ctx); err != nil {
		return Response{}, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("read response body: %w", err)
	}

	return Response{Status: resp.StatusCode, Body: raw}, nil
}

func (c *Client) expand(template string, params map[string]string) string {
	out := strings.ReplaceAll(template, "{workspaceId}", url.PathEscape(c.workspaceID))
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", url.PathEscape(v))
	}
	return out
}
