// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/provider"
)

const defaultOperationTimeout = 45 * time.Second

// extractKey holds name -> JSONPath pairs a step declares for its outputs.
// It is stripped from the request body.
const extractKey = "extract"

// defaultOperations apply when a step leaves operation.path empty.
var defaultOperations = map[domain.StepType]domain.Operation{
	domain.StepCreateWorkbook: {Method: http.MethodPost, Path: "/v3/workspaces/{workspaceId}/workbooks"},
	domain.StepAddColumn:      {Method: http.MethodPost, Path: "/v3/tables/{tableId}/fields"},
	domain.StepRunEnrichment:  {Method: http.MethodPost, Path: "/v3/tables/{tableId}/run"},
}

var pathParam = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

type OperationDeps struct {
	Provider OperationProvider
	Logger   *slog.Logger
	Timeout  time.Duration
}

// OperationExecutor runs the single-call step types: the step's operation
// is rendered, sent with the payload as body, and identifiers are pulled
// out of the response.
type OperationExecutor struct {
	provider OperationProvider
	logger   *slog.Logger
	timeout  time.Duration
}

func NewOperationExecutor(deps OperationDeps) *OperationExecutor {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	return &OperationExecutor{
		provider: deps.Provider,
		logger:   l,
		timeout:  durationOr(deps.Timeout, defaultOperationTimeout),
	}
}

func (e *OperationExecutor) Execute(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	step := req.Step

	op := step.Operation
	if op.Path == "" {
		def, ok := defaultOperations[step.Type]
		if !ok {
			return domain.StepResult{}, fmt.Errorf("%w: step %d has no operation path", domain.ErrInvalidStep, step.Order)
		}
		op = def
	}
	method := strings.ToUpper(strings.TrimSpace(op.Method))
	if method == "" {
		method = http.MethodPost
	}

	path, err := renderPath(op.Path, step, req.Upstream)
	if err != nil {
		return domain.StepResult{}, err
	}

	extract, err := extractionRules(step)
	if err != nil {
		return domain.StepResult{}, err
	}

	callCtx, cancel := withTimeout(ctx, e.timeout)
	resp, err := e.provider.Do(callCtx, method, path, requestBody(method, step.Payload))
	cancel()

	if err != nil {
		if errors.Is(err, domain.ErrCredentialUnavailable) {
			return domain.StepResult{}, err
		}
		return domain.StepResult{}, &domain.ProviderError{Phase: domain.PhaseOperation, Err: err}
	}

	result := domain.StepResult{RawResponse: resp.Raw()}
	if !resp.OK() {
		e.logger.Warn("operation rejected",
			"step_order", step.Order,
			"type", step.Type,
			"path", path,
			"status", resp.Status,
		)
		return result, &domain.ProviderError{Phase: domain.PhaseOperation, Status: resp.Status, Body: truncate(resp.Raw(), maxWarningBody)}
	}

	doc := provider.ParseBody(resp.Body)
	result.TableID, _ = provider.TableIDRules.String(doc)
	result.WorkbookID, _ = provider.WorkbookIDRules.String(doc)
	result.SourceID, _ = provider.SourceIDRules.String(doc)

	outputs := make(map[string]string, len(extract)+1)
	if id, ok := provider.ResourceIDRules.String(doc); ok {
		outputs["id"] = id
	}
	for name, rules := range extract {
		if v, ok := rules.String(doc); ok {
			outputs[name] = v
		}
	}
	if len(outputs) > 0 {
		result.Outputs = outputs
	}

	e.logger.Info("operation completed",
		"step_order", step.Order,
		"type", step.Type,
		"path", path,
		"status", resp.Status,
	)
	return result, nil
}

// renderPath fills {name} placeholders from the step payload, then from the
// outputs of upstream steps in ascending order. {workspaceId} is left for
// the provider client.
func renderPath(template string, step domain.PlanStep, upstream map[int]domain.StepResult) (string, error) {
	orders := slices.Sorted(maps.Keys(upstream))

	var missing []string
	out := pathParam.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "workspaceId" {
			return m
		}
		if v, ok := payloadScalar(step.Payload, name); ok {
			return v
		}
		for _, o := range orders {
			if v, ok := upstream[o].Output(name); ok {
				return v
			}
		}
		missing = append(missing, name)
		return m
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: step %d: unresolved path parameters %s", domain.ErrInvalidStep, step.Order, strings.Join(missing, ", "))
	}
	return out, nil
}

func payloadScalar(payload map[string]any, key string) (string, bool) {
	switch v := payload[key].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	}
	return "", false
}

func extractionRules(step domain.PlanStep) (map[string]provider.Rules, error) {
	raw, ok := step.Payload[extractKey].(map[string]any)
	if !ok {
		return nil, nil
	}
	out := make(map[string]provider.Rules, len(raw))
	for name, p := range raw {
		path, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("%w: step %d: extract.%s must be a JSONPath string", domain.ErrInvalidStep, step.Order, name)
		}
		rule, err := provider.ParseRule(path, provider.KindString)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", domain.ErrInvalidStep, step.Order, err)
		}
		out[name] = provider.Rules{rule}
	}
	return out, nil
}

func requestBody(method string, payload map[string]any) any {
	if method == http.MethodGet || method == http.MethodDelete {
		return nil
	}
	body := maps.Clone(payload)
	delete(body, extractKey)
	if body == nil {
		body = map[string]any{}
	}
	return body
}
