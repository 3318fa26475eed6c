// Package validation runs a form's rules against submitted data and
// partitions the outcome into hard errors and soft warnings.
package validation

import (
	"strings"

	"github.com/trialgrid/crfengine/model"
)

// ResolveField resolves a rule's target field against a payload using
// three strategies, first match wins:
//
//  1. exact path match (including nested navigation for dotted paths);
//  2. case-insensitive match against payload keys;
//  3. suffix match ignoring a dotted prefix — a rule declared for
//     "demographics.age" matches a payload key "age".
//
// The second return value reports whether any strategy resolved; an
// unresolved field evaluates as nil (which a required rule then fails).
func ResolveField(data model.FieldContext, path string) (any, bool) {
	if len(data) == 0 || path == "" {
		return nil, false
	}

	// 1. Exact match.
	if v, ok := data.Lookup(path); ok {
		return v, true
	}

	// 2. Case-insensitive match over payload keys.
	for k, v := range data {
		if strings.EqualFold(k, path) {
			return v, true
		}
	}

	// 3. Suffix match: strip the dotted prefix from the rule's path and
	// retry exact, then case-insensitive.
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		suffix := path[idx+1:]
		if v, ok := data[suffix]; ok {
			return v, true
		}
		for k, v := range data {
			if strings.EqualFold(k, suffix) {
				return v, true
			}
		}
	}

	return nil, false
}

// matchesField reports whether a rule targeting rulePath applies to the
// changed field fieldPath, using the same three strategies as
// ResolveField.
func matchesField(rulePath, fieldPath string) bool {
	if strings.EqualFold(rulePath, fieldPath) {
		return true
	}
	if idx := strings.LastIndexByte(rulePath, '.'); idx >= 0 {
		if strings.EqualFold(rulePath[idx+1:], fieldPath) {
			return true
		}
	}
	if idx := strings.LastIndexByte(fieldPath, '.'); idx >= 0 {
		if strings.EqualFold(rulePath, fieldPath[idx+1:]) {
			return true
		}
	}
	return false
}
