// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/rillation/enrichment-runtime/internal/domain"
	"gopkg.in/yaml.v3"
)

// DecodePlan reads a plan document. YAML and JSON are both accepted; JSON
// is decoded as the YAML subset it is. Unknown fields are rejected.
func DecodePlan(data []byte) (domain.Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Plan{}, errors.New("plan document is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var plan domain.Plan
	if err := dec.Decode(&plan); err != nil {
		return domain.Plan{}, fmt.Errorf("decode plan: %w", err)
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return domain.Plan{}, errors.New("plan document must contain exactly one plan")
	}

	for i := range plan.Steps {
		plan.Steps[i].Payload = normalizePayload(plan.Steps[i].Payload)
	}
	return plan, nil
}

// normalizePayload rewrites YAML-decoded maps with non-string keys so
// payloads round-trip through encoding/json.
func normalizePayload(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizePayload(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}
