package model

import "strings"

// FieldContext is the read-only mapping from field path to submitted value
// that a validation call evaluates against. It may be flat
// ({"age": 30}) or nested ({"demographics": {"age": 30}}).
type FieldContext map[string]any

// Lookup navigates a dot-separated path through the context, trying a
// direct key first and then descending nested maps. The second return
// value reports whether the path resolved at all; a resolved nil value is
// distinguishable from an absent field.
func (c FieldContext) Lookup(path string) (any, bool) {
	if c == nil || path == "" {
		return nil, false
	}
	if v, ok := c[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	var current any = map[string]any(c)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Violation is a single rule failure against a specific field.
type Violation struct {
	FieldPath string   `json:"field_path"`
	RuleID    int64    `json:"rule_id"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// ValidationOutcome aggregates the result of a validation pass. Warnings
// alone do not make the outcome invalid; only error-severity violations
// do.
type ValidationOutcome struct {
	Valid          bool        `json:"valid"`
	Errors         []Violation `json:"errors"`
	Warnings       []Violation `json:"warnings"`
	QueriesCreated int         `json:"queries_created"`
}
