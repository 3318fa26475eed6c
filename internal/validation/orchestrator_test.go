package validation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/model"
)

func f(v float64) *float64 { return &v }

// staticStore serves a fixed rule list through the repository.
type staticStore struct {
	rules []model.ValidationRule
}

func (s *staticStore) LoadCustomRules(_ context.Context, _ string) ([]model.ValidationRule, error) {
	return s.rules, nil
}
func (s *staticStore) LoadItemMetadataRules(_ context.Context, _ string) ([]model.ValidationRule, error) {
	return nil, nil
}
func (s *staticStore) LoadNativeRules(_ context.Context, _ string) ([]model.NativeRule, error) {
	return nil, nil
}
func (s *staticStore) CreateRule(_ context.Context, r model.ValidationRule) (model.ValidationRule, error) {
	return r, nil
}
func (s *staticStore) UpdateRule(_ context.Context, _ model.ValidationRule) error { return nil }
func (s *staticStore) DeleteRule(_ context.Context, _ int64) error                 { return nil }
func (s *staticStore) ToggleRule(_ context.Context, _ int64, _ bool) error         { return nil }

// recordingQueries records OpenQuery calls.
type recordingQueries struct {
	calls []string
	fail  bool
}

func (q *recordingQueries) OpenQuery(_ context.Context, _, fieldPath, _ string, _ model.Severity) (string, error) {
	if q.fail {
		return "", errors.New("query service down")
	}
	q.calls = append(q.calls, fieldPath)
	return "q-1", nil
}

func newOrchestrator(ruleList []model.ValidationRule, queries QueryOpener) *Orchestrator {
	repo := rules.NewRepository(&staticStore{rules: ruleList}, zap.NewNop())
	return NewOrchestrator(repo, rules.NewEvaluator(nil), queries, zap.NewNop(), Hooks{})
}

func TestValidateFormDataAccumulatesErrors(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRequired, FieldPath: "a", Severity: model.SeverityError, ErrorMessage: "a required", Active: true},
		{ID: 2, Kind: model.RuleRequired, FieldPath: "b", Severity: model.SeverityError, ErrorMessage: "b required", Active: true},
		{ID: 3, Kind: model.RuleRange, FieldPath: "c", MaxValue: f(10), Severity: model.SeverityError, ErrorMessage: "c too big", Active: true},
	}
	o := newOrchestrator(ruleList, nil)

	outcome := o.ValidateFormData(context.Background(), "f1", model.FieldContext{"a": "", "b": "", "c": 999})
	if outcome.Valid {
		t.Error("outcome.Valid = true, want false")
	}
	if len(outcome.Errors) != 3 {
		t.Fatalf("errors = %d, want exactly 3", len(outcome.Errors))
	}
	if len(outcome.Warnings) != 0 {
		t.Errorf("warnings = %d, want 0", len(outcome.Warnings))
	}

	// Deterministic order: repository insertion order.
	wantFields := []string{"a", "b", "c"}
	for i, want := range wantFields {
		if outcome.Errors[i].FieldPath != want {
			t.Errorf("errors[%d].FieldPath = %q, want %q", i, outcome.Errors[i].FieldPath, want)
		}
	}
}

func TestValidateFormDataWarningsDoNotInvalidate(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRange, FieldPath: "age", MinValue: f(18), MaxValue: f(65), Severity: model.SeverityWarning, ErrorMessage: "age unusual", Active: true},
	}
	o := newOrchestrator(ruleList, nil)

	outcome := o.ValidateFormData(context.Background(), "f1", model.FieldContext{"age": 80})
	if !outcome.Valid {
		t.Error("warnings alone must not invalidate the form")
	}
	if len(outcome.Warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(outcome.Warnings))
	}
}

func TestValidateFormDataMixedSeverities(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRequired, FieldPath: "a", Severity: model.SeverityError, ErrorMessage: "a required", Active: true},
		{ID: 2, Kind: model.RuleRequired, FieldPath: "b", Severity: model.SeverityError, ErrorMessage: "b required", Active: true},
		{ID: 3, Kind: model.RuleRange, FieldPath: "c", MaxValue: f(10), Severity: model.SeverityError, ErrorMessage: "c too big", Active: true},
		{ID: 4, Kind: model.RuleRange, FieldPath: "d", MaxValue: f(5), Severity: model.SeverityWarning, ErrorMessage: "d high", Active: true},
	}
	o := newOrchestrator(ruleList, nil)

	outcome := o.ValidateFormData(context.Background(), "f1",
		model.FieldContext{"a": "", "b": "", "c": 999, "d": 7})
	if outcome.Valid {
		t.Error("errors present, outcome must be invalid")
	}
	if len(outcome.Errors) != 3 || len(outcome.Warnings) != 1 {
		t.Errorf("errors/warnings = %d/%d, want 3/1", len(outcome.Errors), len(outcome.Warnings))
	}
}

func TestInactiveRulesSkipped(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRequired, FieldPath: "a", Severity: model.SeverityError, ErrorMessage: "a required", Active: false},
	}
	o := newOrchestrator(ruleList, nil)

	outcome := o.ValidateFormData(context.Background(), "f1", model.FieldContext{"a": ""})
	if !outcome.Valid || len(outcome.Errors) != 0 {
		t.Error("inactive rules must not be evaluated")
	}
}

func TestFieldMatchingStrategies(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRequired, FieldPath: "demographics.age", Severity: model.SeverityError, ErrorMessage: "age required", Active: true},
		{ID: 2, Kind: model.RuleRequired, FieldPath: "Weight", Severity: model.SeverityError, ErrorMessage: "weight required", Active: true},
	}
	o := newOrchestrator(ruleList, nil)

	// Suffix match: payload key "age" satisfies rule for
	// "demographics.age". Case-insensitive: "weight" satisfies "Weight".
	outcome := o.ValidateFormData(context.Background(), "f1",
		model.FieldContext{"age": 30, "weight": 70})
	if !outcome.Valid {
		t.Errorf("field matching failed: %+v", outcome.Errors)
	}

	// Nested payload resolves the dotted path exactly.
	outcome = o.ValidateFormData(context.Background(), "f1",
		model.FieldContext{"demographics": map[string]any{"age": 30}, "weight": 70})
	if !outcome.Valid {
		t.Errorf("nested resolution failed: %+v", outcome.Errors)
	}

	// Unresolvable field evaluates as nil and fails required.
	outcome = o.ValidateFormData(context.Background(), "f1", model.FieldContext{"weight": 70})
	if outcome.Valid || len(outcome.Errors) != 1 {
		t.Errorf("missing field should fail required: %+v", outcome)
	}
}

func TestValidateFieldChange(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleConsistency, FieldPath: "systolic", Operator: model.OpGreater, CompareFieldPath: "diastolic", Severity: model.SeverityError, ErrorMessage: "systolic must exceed diastolic", Active: true},
		{ID: 2, Kind: model.RuleRequired, FieldPath: "other_field", Severity: model.SeverityError, ErrorMessage: "other required", Active: true},
	}
	o := newOrchestrator(ruleList, nil)
	fullCtx := model.FieldContext{"systolic": 80, "diastolic": 120}

	// Only the changed field's rules run; rule 2 must not fire even
	// though other_field is absent.
	outcome := o.ValidateFieldChange(context.Background(), "f1", "systolic", 80, fullCtx)
	if outcome.Valid {
		t.Error("80 > 120 should fail")
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0].RuleID != 1 {
		t.Errorf("errors = %+v, want only the consistency rule", outcome.Errors)
	}

	outcome = o.ValidateFieldChange(context.Background(), "f1", "systolic", 130, fullCtx)
	if !outcome.Valid {
		t.Errorf("130 > 120 should pass: %+v", outcome.Errors)
	}
}

func TestQueryCreation(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRequired, FieldPath: "a", Severity: model.SeverityError, ErrorMessage: "a required", Active: true},
		{ID: 2, Kind: model.RuleRange, FieldPath: "b", MaxValue: f(5), Severity: model.SeverityWarning, ErrorMessage: "b high", Active: true},
	}
	queries := &recordingQueries{}
	o := newOrchestrator(ruleList, queries)
	ctx := context.Background()
	data := model.FieldContext{"a": "", "b": 9}

	// Disabled by default.
	outcome := o.ValidateFormData(ctx, "f1", data)
	if outcome.QueriesCreated != 0 || len(queries.calls) != 0 {
		t.Error("queries must not be opened without the option")
	}

	// Enabled: one query per violation, errors and warnings alike.
	outcome = o.ValidateFormData(ctx, "f1", data, WithQueryCreation("instance-9"))
	if outcome.QueriesCreated != 2 {
		t.Errorf("QueriesCreated = %d, want 2", outcome.QueriesCreated)
	}
	if len(queries.calls) != 2 {
		t.Errorf("OpenQuery calls = %d, want 2", len(queries.calls))
	}

	// A failing query service does not fail validation.
	queries.fail = true
	outcome = o.ValidateFormData(ctx, "f1", data, WithQueryCreation("instance-9"))
	if outcome.QueriesCreated != 0 {
		t.Errorf("QueriesCreated = %d, want 0 when the collaborator errors", outcome.QueriesCreated)
	}
	if len(outcome.Errors) != 1 || len(outcome.Warnings) != 1 {
		t.Error("violations must still be reported when query creation fails")
	}
}

func TestValidateFormDataIdempotent(t *testing.T) {
	ruleList := []model.ValidationRule{
		{ID: 1, Kind: model.RuleRequired, FieldPath: "a", Severity: model.SeverityError, ErrorMessage: "a required", Active: true},
		{ID: 2, Kind: model.RuleRange, FieldPath: "b", MinValue: f(0), MaxValue: f(10), Severity: model.SeverityWarning, ErrorMessage: "b odd", Active: true},
	}
	o := newOrchestrator(ruleList, nil)
	data := model.FieldContext{"a": "", "b": 50}

	first := o.ValidateFormData(context.Background(), "f1", data)
	second := o.ValidateFormData(context.Background(), "f1", data)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("outcomes differ:\n%s\n%s", a, b)
	}
}

func TestResolveField(t *testing.T) {
	data := model.FieldContext{
		"age":     30,
		"Weight":  70,
		"nested":  map[string]any{"code": "x"},
	}
	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"age", 30, true},
		{"AGE", 30, true},
		{"weight", 70, true},
		{"nested.code", "x", true},
		{"visit.age", 30, true},   // suffix after dotted prefix
		{"visit.AGE", 30, true},   // suffix, case-insensitive
		{"absent", nil, false},
		{"visit.absent", nil, false},
	}
	for _, tt := range tests {
		got, ok := ResolveField(data, tt.path)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("ResolveField(%q) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}
