// Package store provides the persistence layer: a PostgreSQL store for
// production and an in-memory store for tests and single-node
// deployments. Both satisfy the rule, lifecycle and query collaborator
// interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trialgrid/crfengine/model"
)

// ItemMetadataRuleIDOffset reserves an id range for rules projected from
// item-level metadata, distinct from both custom rule ids and the native
// rule range.
const ItemMetadataRuleIDOffset int64 = 500_000_000

// ItemMetadata is the per-item slice of a form definition the store
// projects validation rules from: a mandatory flag, optional numeric
// bounds and an optional format pattern.
type ItemMetadata struct {
	ItemID    string   `json:"item_id"`
	FormID    string   `json:"form_id"`
	FieldPath string   `json:"field_path"`
	Label     string   `json:"label"`
	Mandatory bool     `json:"mandatory"`
	MinValue  *float64 `json:"min_value,omitempty"`
	MaxValue  *float64 `json:"max_value,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// Query is a persisted discrepancy note opened against a field value.
type Query struct {
	ID             string         `json:"id"`
	FormInstanceID string         `json:"form_instance_id"`
	FieldPath      string         `json:"field_path"`
	Message        string         `json:"message"`
	Severity       model.Severity `json:"severity"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MemoryStore is an in-memory store for tests and embedded deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	custom   map[int64]model.ValidationRule
	items    map[string][]ItemMetadata    // key: form ID
	native   map[string][]model.NativeRule // key: form ID
	flags    map[string]model.LifecycleFlags
	configs  map[string]model.WorkflowConfig
	queries  map[string][]Query // key: form instance ID
	failures map[string]error   // key: operation name
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		custom:   make(map[int64]model.ValidationRule),
		items:    make(map[string][]ItemMetadata),
		native:   make(map[string][]model.NativeRule),
		flags:    make(map[string]model.LifecycleFlags),
		configs:  make(map[string]model.WorkflowConfig),
		queries:  make(map[string][]Query),
		failures: make(map[string]error),
	}
}

// HealthCheck always succeeds; memory needs no connectivity.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// FailOn makes the named operation ("custom", "metadata", "native",
// "lock", "query") return err until cleared with a nil err.
func (s *MemoryStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// LoadCustomRules returns the custom rules for a form, ordered by id.
func (s *MemoryStore) LoadCustomRules(_ context.Context, formID string) ([]model.ValidationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failures["custom"]; err != nil {
		return nil, err
	}

	var rules []model.ValidationRule
	for _, r := range s.custom {
		if r.FormID == formID {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// LoadItemMetadataRules projects validation rules from the form's item
// metadata: a required rule per mandatory item, a range rule per bounded
// item and a format rule per patterned item.
func (s *MemoryStore) LoadItemMetadataRules(_ context.Context, formID string) ([]model.ValidationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failures["metadata"]; err != nil {
		return nil, err
	}

	var rules []model.ValidationRule
	for i, item := range s.items[formID] {
		rules = append(rules, ProjectItemRules(item, int64(i))...)
	}
	return rules, nil
}

// LoadNativeRules returns the form's native rule table rows.
func (s *MemoryStore) LoadNativeRules(_ context.Context, formID string) ([]model.NativeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failures["native"]; err != nil {
		return nil, err
	}
	return append([]model.NativeRule(nil), s.native[formID]...), nil
}

// CreateRule stores a new custom rule and assigns its id.
func (s *MemoryStore) CreateRule(_ context.Context, rule model.ValidationRule) (model.ValidationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule.ID = s.nextID
	s.nextID++
	s.custom[rule.ID] = rule
	return rule, nil
}

// UpdateRule replaces an existing custom rule.
func (s *MemoryStore) UpdateRule(_ context.Context, rule model.ValidationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.custom[rule.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("rule %d not found", rule.ID))
	}
	s.custom[rule.ID] = rule
	return nil
}

// DeleteRule removes a custom rule.
func (s *MemoryStore) DeleteRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.custom[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("rule %d not found", id))
	}
	delete(s.custom, id)
	return nil
}

// ToggleRule flips a custom rule's active flag.
func (s *MemoryStore) ToggleRule(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.custom[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("rule %d not found", id))
	}
	rule.Active = active
	s.custom[id] = rule
	return nil
}

// SeedItemMetadata registers item metadata for a form.
func (s *MemoryStore) SeedItemMetadata(items ...ItemMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.FormID] = append(s.items[item.FormID], item)
	}
}

// SeedNativeRules registers native rule rows for a form.
func (s *MemoryStore) SeedNativeRules(rules ...model.NativeRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		s.native[r.FormID] = append(s.native[r.FormID], r)
	}
}

// PutLifecycleFlags stores lifecycle flags for a form instance.
func (s *MemoryStore) PutLifecycleFlags(flags model.LifecycleFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flags.FormInstanceID] = flags
}

// PutWorkflowConfig stores the workflow configuration for a form.
func (s *MemoryStore) PutWorkflowConfig(_ context.Context, cfg model.WorkflowConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.FormID] = cfg
	return nil
}

// ReadLifecycleFlags returns the stored flags for a form instance.
func (s *MemoryStore) ReadLifecycleFlags(_ context.Context, formInstanceID string) (model.LifecycleFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flags, ok := s.flags[formInstanceID]
	if !ok {
		return model.LifecycleFlags{}, model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", formInstanceID),
		)
	}
	return flags, nil
}

// ReadWorkflowConfig returns the form's workflow configuration, or the
// zero config when none has been stored.
func (s *MemoryStore) ReadWorkflowConfig(_ context.Context, formID string) (model.WorkflowConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[formID]
	if !ok {
		return model.WorkflowConfig{FormID: formID}, nil
	}
	return cfg, nil
}

// AcquireLock serialises the read-check-write lock sequence under the
// store mutex, so concurrent attempts observe each other's lock flag.
func (s *MemoryStore) AcquireLock(_ context.Context, formInstanceID, actorID string,
	guard func(model.LifecycleFlags, model.WorkflowConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures["lock"]; err != nil {
		return err
	}

	flags, ok := s.flags[formInstanceID]
	if !ok {
		return model.NewNotFoundError(
			fmt.Sprintf("form instance %q not found", formInstanceID),
		)
	}
	cfg, ok := s.configs[flags.FormID]
	if !ok {
		cfg = model.WorkflowConfig{FormID: flags.FormID}
	}

	if err := guard(flags, cfg); err != nil {
		return err
	}

	now := time.Now().UTC()
	flags.LockStatus = true
	flags.LockedBy = actorID
	flags.LockedAt = &now
	s.flags[formInstanceID] = flags
	return nil
}

// OpenQuery records a discrepancy note against a field value.
func (s *MemoryStore) OpenQuery(_ context.Context, formInstanceID, fieldPath, message string, severity model.Severity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures["query"]; err != nil {
		return "", err
	}

	q := Query{
		ID:             uuid.NewString(),
		FormInstanceID: formInstanceID,
		FieldPath:      fieldPath,
		Message:        message,
		Severity:       severity,
		Status:         "open",
		CreatedAt:      time.Now().UTC(),
	}
	s.queries[formInstanceID] = append(s.queries[formInstanceID], q)
	return q.ID, nil
}

// Queries returns the discrepancy notes opened against a form instance.
func (s *MemoryStore) Queries(formInstanceID string) []Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Query(nil), s.queries[formInstanceID]...)
}

// ProjectItemRules derives validation rules from one item's metadata.
// Rule ids live in the item-metadata range and are stable for a given
// form ordering.
func ProjectItemRules(item ItemMetadata, ordinal int64) []model.ValidationRule {
	base := ItemMetadataRuleIDOffset + ordinal*4
	label := item.Label
	if label == "" {
		label = item.FieldPath
	}

	var rules []model.ValidationRule
	if item.Mandatory {
		rules = append(rules, model.ValidationRule{
			ID:           base + 1,
			FormID:       item.FormID,
			Name:         label + " required",
			Kind:         model.RuleRequired,
			FieldPath:    item.FieldPath,
			Severity:     model.SeverityError,
			ErrorMessage: fmt.Sprintf("%s is required", label),
			Active:       true,
			ItemID:       item.ItemID,
		})
	}
	if item.MinValue != nil || item.MaxValue != nil {
		rules = append(rules, model.ValidationRule{
			ID:           base + 2,
			FormID:       item.FormID,
			Name:         label + " range",
			Kind:         model.RuleRange,
			FieldPath:    item.FieldPath,
			Severity:     model.SeverityError,
			ErrorMessage: rangeMessage(label, item.MinValue, item.MaxValue),
			MinValue:     item.MinValue,
			MaxValue:     item.MaxValue,
			Active:       true,
			ItemID:       item.ItemID,
		})
	}
	if item.Pattern != "" {
		rules = append(rules, model.ValidationRule{
			ID:           base + 3,
			FormID:       item.FormID,
			Name:         label + " format",
			Kind:         model.RuleFormat,
			FieldPath:    item.FieldPath,
			Severity:     model.SeverityError,
			ErrorMessage: fmt.Sprintf("%s has an invalid format", label),
			Pattern:      item.Pattern,
			Active:       true,
			ItemID:       item.ItemID,
		})
	}
	return rules
}

func rangeMessage(label string, min, max *float64) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("%s must be between %g and %g", label, *min, *max)
	case min != nil:
		return fmt.Sprintf("%s must be at least %g", label, *min)
	default:
		return fmt.Sprintf("%s must be at most %g", label, *max)
	}
}
