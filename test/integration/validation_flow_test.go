package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/trialgrid/crfengine/internal/store"
	"github.com/trialgrid/crfengine/model"
)

func floatp(v float64) *float64 { return &v }

func seedDemographics(h *TestHarness) {
	h.Store.SeedItemMetadata(
		store.ItemMetadata{
			ItemID:    "it-age",
			FormID:    "demographics",
			FieldPath: "age",
			Label:     "Age",
			Mandatory: true,
			MinValue:  floatp(18),
			MaxValue:  floatp(99),
		},
		store.ItemMetadata{
			ItemID:    "it-init",
			FormID:    "demographics",
			FieldPath: "subject_initials",
			Label:     "Subject initials",
			Mandatory: true,
			Pattern:   "^[A-Z]{2,3}$",
		},
	)
}

func TestFullFormValidationFlow(t *testing.T) {
	h := NewTestHarness(t)
	seedDemographics(h)

	// An empty payload violates both mandatory fields.
	var outcome model.ValidationOutcome
	resp := h.Do(http.MethodPost, "/v1/forms/demographics/validate", "",
		map[string]any{"data": map[string]any{}})
	h.AssertJSON(t, resp, http.StatusOK, &outcome)
	if outcome.Valid {
		t.Fatal("empty payload should be invalid")
	}
	if len(outcome.Errors) != 2 {
		t.Fatalf("errors = %+v, want two required violations", outcome.Errors)
	}

	// A clean payload passes everything.
	resp = h.Do(http.MethodPost, "/v1/forms/demographics/validate", "",
		map[string]any{"data": map[string]any{"age": 34, "subject_initials": "AB"}})
	h.AssertJSON(t, resp, http.StatusOK, &outcome)
	if !outcome.Valid {
		t.Fatalf("expected valid, got errors %+v", outcome.Errors)
	}
}

func TestCustomRuleOverridesItemMetadata(t *testing.T) {
	h := NewTestHarness(t)
	seedDemographics(h)

	// A custom range rule on the same field wins over the projected one.
	rule := model.ValidationRule{
		FormID:       "demographics",
		Name:         "pediatric age range",
		Kind:         model.RuleRange,
		FieldPath:    "age",
		Severity:     model.SeverityError,
		ErrorMessage: "age must be 2-17 for this study",
		MinValue:     floatp(2),
		MaxValue:     floatp(17),
		Active:       true,
	}
	resp := h.Do(http.MethodPost, "/v1/rules", "", rule)
	h.AssertStatus(t, resp, http.StatusCreated)

	var outcome model.ValidationOutcome
	resp = h.Do(http.MethodPost, "/v1/forms/demographics/validate", "",
		map[string]any{"data": map[string]any{"age": 34, "subject_initials": "AB"}})
	h.AssertJSON(t, resp, http.StatusOK, &outcome)
	if outcome.Valid {
		t.Fatal("34 should fail the custom pediatric range")
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0].Message != "age must be 2-17 for this study" {
		t.Fatalf("errors = %+v, want the custom rule message", outcome.Errors)
	}
}

func TestFieldChangeValidation(t *testing.T) {
	h := NewTestHarness(t)
	seedDemographics(h)

	var outcome model.ValidationOutcome
	resp := h.Do(http.MethodPost, "/v1/forms/demographics/fields/age/validate", "",
		map[string]any{"value": 150, "context": map[string]any{"subject_initials": "AB"}})
	h.AssertJSON(t, resp, http.StatusOK, &outcome)
	if outcome.Valid {
		t.Fatal("150 should fail the age range")
	}
	for _, v := range outcome.Errors {
		if v.FieldPath != "age" {
			t.Fatalf("field-level run touched %q, want only age rules", v.FieldPath)
		}
	}
}

func TestValidationOpensQueries(t *testing.T) {
	h := NewTestHarness(t, WithQueries())
	seedDemographics(h)

	var outcome model.ValidationOutcome
	resp := h.Do(http.MethodPost, "/v1/forms/demographics/validate", "",
		map[string]any{
			"data":             map[string]any{"age": 150, "subject_initials": "AB"},
			"form_instance_id": "fi-77",
			"create_queries":   true,
		})
	h.AssertJSON(t, resp, http.StatusOK, &outcome)
	if outcome.QueriesCreated != 1 {
		t.Fatalf("queries created = %d, want 1", outcome.QueriesCreated)
	}

	queries := h.Store.Queries("fi-77")
	if len(queries) != 1 {
		t.Fatalf("stored queries = %d, want 1", len(queries))
	}
	q := queries[0]
	if q.FieldPath != "age" || q.Status != "open" {
		t.Fatalf("query = %+v, want open query on age", q)
	}
}

func TestRuleLifecycleAcrossCache(t *testing.T) {
	h := NewTestHarness(t, WithCacheTTL(time.Minute))
	seedDemographics(h)

	// Warm the cache.
	resp := h.Do(http.MethodGet, "/v1/forms/demographics/rules", "", nil)
	var listed struct {
		Count int `json:"count"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &listed)
	baseline := listed.Count

	// Creating a rule must invalidate the cached form.
	rule := model.ValidationRule{
		FormID:       "demographics",
		Name:         "weight plausibility",
		Kind:         model.RuleRange,
		FieldPath:    "weight_kg",
		Severity:     model.SeverityWarning,
		ErrorMessage: "weight outside plausible range",
		MinValue:     floatp(1),
		MaxValue:     floatp(400),
		Active:       true,
	}
	resp = h.Do(http.MethodPost, "/v1/rules", "", rule)
	var created model.ValidationRule
	h.AssertJSON(t, resp, http.StatusCreated, &created)

	resp = h.Do(http.MethodGet, "/v1/forms/demographics/rules", "", nil)
	h.AssertJSON(t, resp, http.StatusOK, &listed)
	if listed.Count != baseline+1 {
		t.Fatalf("count = %d after create, want %d", listed.Count, baseline+1)
	}

	// Retiring the rule keeps it listed but skips it during evaluation.
	resp = h.Do(http.MethodPost, fmt.Sprintf("/v1/rules/%d/toggle", created.ID), "",
		map[string]any{"form_id": "demographics", "active": false})
	h.AssertStatus(t, resp, http.StatusOK)

	var outcome model.ValidationOutcome
	resp = h.Do(http.MethodPost, "/v1/forms/demographics/validate", "",
		map[string]any{"data": map[string]any{"age": 34, "subject_initials": "AB", "weight_kg": 5000}})
	h.AssertJSON(t, resp, http.StatusOK, &outcome)
	if len(outcome.Warnings) != 0 {
		t.Fatalf("warnings = %+v, retired rule should not fire", outcome.Warnings)
	}
}
