package store

import (
	"context"
	"errors"
	"testing"

	"github.com/trialgrid/crfengine/model"
)

func TestMemoryStoreRuleCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreateRule(ctx, model.ValidationRule{
		FormID: "f1", Name: "age required", Kind: model.RuleRequired,
		FieldPath: "age", Severity: model.SeverityError,
		ErrorMessage: "age is required", Active: true,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("CreateRule did not assign an id")
	}

	second, _ := s.CreateRule(ctx, model.ValidationRule{
		FormID: "f1", Name: "weight range", Kind: model.RuleRange,
		FieldPath: "weight", Severity: model.SeverityError,
		ErrorMessage: "weight out of range", Active: true,
	})
	if second.ID <= created.ID {
		t.Errorf("ids not increasing: %d then %d", created.ID, second.ID)
	}

	rules, err := s.LoadCustomRules(ctx, "f1")
	if err != nil {
		t.Fatalf("LoadCustomRules: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != created.ID || rules[1].ID != second.ID {
		t.Errorf("rules = %+v, want both in id order", rules)
	}

	created.ErrorMessage = "age must be provided"
	if err := s.UpdateRule(ctx, created); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if err := s.ToggleRule(ctx, created.ID, false); err != nil {
		t.Fatalf("ToggleRule: %v", err)
	}
	rules, _ = s.LoadCustomRules(ctx, "f1")
	if rules[0].Active || rules[0].ErrorMessage != "age must be provided" {
		t.Errorf("update/toggle not applied: %+v", rules[0])
	}

	if err := s.DeleteRule(ctx, second.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := s.DeleteRule(ctx, second.ID); err == nil {
		t.Error("deleting a deleted rule should fail")
	}
	if err := s.UpdateRule(ctx, model.ValidationRule{ID: 9999}); err == nil {
		t.Error("updating an unknown rule should fail")
	}
}

func TestMemoryStoreItemMetadataProjection(t *testing.T) {
	s := NewMemoryStore()
	min, max := 0.0, 300.0
	s.SeedItemMetadata(ItemMetadata{
		ItemID: "it1", FormID: "f1", FieldPath: "weight", Label: "Weight",
		Mandatory: true, MinValue: &min, MaxValue: &max,
	}, ItemMetadata{
		ItemID: "it2", FormID: "f1", FieldPath: "subject_code",
		Pattern: `^[A-Z]{2}-\d{4}$`,
	})

	rules, err := s.LoadItemMetadataRules(context.Background(), "f1")
	if err != nil {
		t.Fatalf("LoadItemMetadataRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules, want required+range from it1 and format from it2", len(rules))
	}

	kinds := map[model.RuleKind]model.ValidationRule{}
	for _, r := range rules {
		kinds[r.Kind] = r
		if r.ID < ItemMetadataRuleIDOffset {
			t.Errorf("rule %q id %d below the item-metadata range", r.Name, r.ID)
		}
		if !r.Active || r.Severity != model.SeverityError {
			t.Errorf("projected rule %q should be active with error severity", r.Name)
		}
	}

	req := kinds[model.RuleRequired]
	if req.FieldPath != "weight" || req.ItemID != "it1" {
		t.Errorf("required rule = %+v", req)
	}
	rng := kinds[model.RuleRange]
	if rng.MinValue == nil || *rng.MinValue != 0 || rng.MaxValue == nil || *rng.MaxValue != 300 {
		t.Errorf("range rule bounds = %v..%v", rng.MinValue, rng.MaxValue)
	}
	format := kinds[model.RuleFormat]
	if format.FieldPath != "subject_code" || format.Pattern == "" {
		t.Errorf("format rule = %+v", format)
	}
	// A bare field path doubles as the label.
	if format.Name != "subject_code format" {
		t.Errorf("format rule name = %q", format.Name)
	}
}

func TestMemoryStoreNativeRules(t *testing.T) {
	s := NewMemoryStore()
	s.SeedNativeRules(model.NativeRule{
		ID: 7, FormID: "f1", Name: "dob check", Target: "dob",
		Expression: "dob <= today", ActionType: "DISCREPANCY_DOB",
	})

	rules, err := s.LoadNativeRules(context.Background(), "f1")
	if err != nil {
		t.Fatalf("LoadNativeRules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != 7 {
		t.Fatalf("rules = %+v", rules)
	}
	if other, _ := s.LoadNativeRules(context.Background(), "f2"); len(other) != 0 {
		t.Errorf("form f2 should have no native rules, got %+v", other)
	}
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("source offline")
	s.FailOn("custom", boom)

	if _, err := s.LoadCustomRules(context.Background(), "f1"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want injected failure", err)
	}

	s.FailOn("custom", nil)
	if _, err := s.LoadCustomRules(context.Background(), "f1"); err != nil {
		t.Errorf("err = %v after clearing injection", err)
	}
}

func TestMemoryStoreAcquireLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.PutWorkflowConfig(ctx, model.WorkflowConfig{FormID: "f1", RequiresSDV: true}); err != nil {
		t.Fatalf("PutWorkflowConfig: %v", err)
	}
	s.PutLifecycleFlags(model.LifecycleFlags{
		FormInstanceID: "i1", FormID: "f1",
		CompletionStatus: true, SDVStatus: true,
	})

	var seen model.WorkflowConfig
	err := s.AcquireLock(ctx, "i1", "cra-1", func(flags model.LifecycleFlags, cfg model.WorkflowConfig) error {
		seen = cfg
		if flags.LockStatus {
			return model.NewLockPrerequisiteError("form instance is already locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !seen.RequiresSDV {
		t.Error("guard did not receive the stored workflow config")
	}

	flags, _ := s.ReadLifecycleFlags(ctx, "i1")
	if !flags.LockStatus || flags.LockedBy != "cra-1" || flags.LockedAt == nil {
		t.Errorf("lock not persisted: %+v", flags)
	}

	// Guard refusal leaves the stored flags untouched.
	err = s.AcquireLock(ctx, "i1", "cra-2", func(flags model.LifecycleFlags, _ model.WorkflowConfig) error {
		if flags.LockStatus {
			return model.NewLockPrerequisiteError("form instance is already locked")
		}
		return nil
	})
	if err == nil {
		t.Fatal("second lock attempt should be refused by the guard")
	}
	flags, _ = s.ReadLifecycleFlags(ctx, "i1")
	if flags.LockedBy != "cra-1" {
		t.Errorf("lock owner changed to %q", flags.LockedBy)
	}

	if err := s.AcquireLock(ctx, "missing", "cra-1", nil); err == nil {
		t.Error("locking an unknown instance should fail")
	}
}

func TestMemoryStoreWorkflowConfigDefault(t *testing.T) {
	s := NewMemoryStore()
	cfg, err := s.ReadWorkflowConfig(context.Background(), "unconfigured")
	if err != nil {
		t.Fatalf("ReadWorkflowConfig: %v", err)
	}
	if cfg.RequiresSDV || cfg.RequiresSignature || cfg.RequiresDDE {
		t.Errorf("zero config expected, got %+v", cfg)
	}
	if cfg.FormID != "unconfigured" {
		t.Errorf("FormID = %q", cfg.FormID)
	}
}

func TestMemoryStoreOpenQuery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.OpenQuery(ctx, "i1", "age", "age is required", model.SeverityError)
	if err != nil {
		t.Fatalf("OpenQuery: %v", err)
	}
	id2, _ := s.OpenQuery(ctx, "i1", "weight", "weight out of range", model.SeverityWarning)
	if id1 == "" || id1 == id2 {
		t.Errorf("query ids not unique: %q, %q", id1, id2)
	}

	queries := s.Queries("i1")
	if len(queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(queries))
	}
	if queries[0].FieldPath != "age" || queries[0].Status != "open" {
		t.Errorf("first query = %+v", queries[0])
	}
	if len(s.Queries("i2")) != 0 {
		t.Error("queries leaked across instances")
	}
}
