// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
)

// Rule is one candidate location for a value in a provider response.
type Rule struct {
	Path string
	Kind ValueKind
	expr jp.Expr
}

func NewRule(path string, kind ValueKind) Rule {
	return Rule{Path: path, Kind: kind, expr: jp.MustParseString(path)}
}

// ParseRule is NewRule for paths that come from plan documents.
func ParseRule(path string, kind ValueKind) (Rule, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return Rule{}, fmt.Errorf("parse extraction path %q: %w", path, err)
	}
	return Rule{Path: path, Kind: kind, expr: expr}, nil
}

// Match returns the value at the rule's path when it passes the type check.
func (r Rule) Match(doc any) (any, bool) {
	if doc == nil || r.expr == nil {
		return nil, false
	}
	for _, v := range r.expr.Get(doc) {
		switch r.Kind {
		case KindNumber:
			if n, ok := asNumber(v); ok {
				return n, true
			}
		default:
			if s, ok := asIdentifier(v); ok {
				return s, true
			}
		}
	}
	return nil, false
}

// Rules is an ordered strategy table; the first matching rule wins.
type Rules []Rule

func StringRules(paths ...string) Rules {
	out := make(Rules, 0, len(paths))
	for _, p := range paths {
		out = append(out, NewRule(p, KindString))
	}
	return out
}

func NumberRules(paths ...string) Rules {
	out := make(Rules, 0, len(paths))
	for _, p := range paths {
		out = append(out, NewRule(p, KindNumber))
	}
	return out
}

// First returns the first matching value and the path it came from.
func (rs Rules) First(doc any) (any, string, bool) {
	for _, r := range rs {
		if v, ok := r.Match(doc); ok {
			return v, r.Path, true
		}
	}
	return nil, "", false
}

func (rs Rules) String(doc any) (string, bool) {
	v, _, ok := rs.First(doc)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (rs Rules) Int(doc any) (int, bool) {
	v, _, ok := rs.First(doc)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

var (
	TaskIDRules = StringRules(
		"$.taskId",
		"$.task.id",
		"$.task.taskId",
		"$.data.taskId",
		"$.data.task.id",
		"$.task_id",
	)

	MatchCountRules = NumberRules(
		"$.matchCount",
		"$.totalCount",
		"$.total",
		"$.data.matchCount",
		"$.data.totalCount",
		"$.preview.totalCount",
		"$.preview.total",
		"$.result.numResults",
		"$.results.total",
		"$.count",
	)

	TableIDRules = StringRules(
		"$.tableId",
		"$.table.tableId",
		"$.table.id",
		"$.data.tableId",
		"$.data.table.id",
		"$.result.table.id",
	)

	WorkbookIDRules = StringRules(
		"$.workbookId",
		"$.workbook.id",
		"$.table.workbookId",
		"$.data.workbookId",
		"$.data.workbook.id",
	)

	// ResourceIDRules find the id of whatever a generic operation created.
	ResourceIDRules = StringRules(
		"$.id",
		"$.data.id",
		"$.column.id",
		"$.field.id",
		"$.result.id",
	)

	SourceIDRules = StringRules(
		"$.sourceId",
		"$.source.id",
		"$.table.sourceId",
		"$.sources[0].id",
		"$.table.sources[0].id",
		"$.data.source.id",
		"$.data.sourceId",
	)
)

// ParseBody decodes a response body for rule matching. Non-JSON bodies (HTML
// error pages, empty bodies) yield nil so every rule simply misses.
func ParseBody(body []byte) any {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	doc, err := oj.Parse(body)
	if err != nil {
		return nil
	}
	return doc
}

func asNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asIdentifier(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		return s, s != ""
	case int64:
		return strconv.FormatInt(s, 10), true
	case int:
		return strconv.Itoa(s), true
	case float64:
		if s == math.Trunc(s) && !math.IsInf(s, 0) {
			return strconv.FormatInt(int64(s), 10), true
		}
	}
	return "", false
}
