// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"strings"

	"github.com/rillation/enrichment-runtime/internal/domain"
)

// criteriaHint pairs criteria keys with the remediation shown when a
// preview finds nothing. Keys are matched case-insensitively.
type criteriaHint struct {
	keys []string
	hint string
}

var zeroMatchHints = []criteriaHint{
	{keys: []string{"location", "locations", "country", "countries", "region", "regions", "city", "cities", "geography"}, hint: "broaden the geography (add neighbouring regions or drop the city filter)"},
	{keys: []string{"minemployees", "min_employees", "employeecountmin", "employee_count_min", "minsize", "min_size"}, hint: "drop or lower the minimum company size filter"},
	{keys: []string{"maxemployees", "max_employees", "employeecountmax", "employee_count_max", "maxsize", "max_size"}, hint: "raise or remove the maximum company size filter"},
	{keys: []string{"industry", "industries"}, hint: "add adjacent industries or remove the industry filter"},
	{keys: []string{"keywords", "keyword", "description_keywords"}, hint: "remove or loosen keyword filters"},
	{keys: []string{"technologies", "technology", "tech_stack"}, hint: "drop the technology filter"},
	{keys: []string{"founded_after", "foundedafter", "founded_before", "foundedbefore"}, hint: "widen the founding-year range"},
}

const genericHint = "widen the search criteria and preview again"

// zeroMatchSuggestions returns at least one hint, ordered as in
// zeroMatchHints, for the filters present in criteria.
func zeroMatchSuggestions(criteria domain.Criteria) []string {
	present := make(map[string]bool, len(criteria))
	for k, v := range criteria {
		if isEmptyFilter(v) {
			continue
		}
		present[strings.ToLower(k)] = true
	}

	var out []string
	for _, h := range zeroMatchHints {
		for _, k := range h.keys {
			if present[k] {
				out = append(out, h.hint)
				break
			}
		}
	}
	return append(out, genericHint)
}

func isEmptyFilter(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
