package rules

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/model"
)

// NativeRuleIDOffset is added to native rule row ids so that rules
// sourced from the host system's rule tables can never collide with
// custom rule store ids.
const NativeRuleIDOffset int64 = 1_000_000_000

// Store is the persistence collaborator the repository reads rules from
// and writes rule CRUD through. Each load method may fail independently;
// the repository degrades gracefully.
type Store interface {
	LoadCustomRules(ctx context.Context, formID string) ([]model.ValidationRule, error)
	LoadItemMetadataRules(ctx context.Context, formID string) ([]model.ValidationRule, error)
	LoadNativeRules(ctx context.Context, formID string) ([]model.NativeRule, error)

	CreateRule(ctx context.Context, rule model.ValidationRule) (model.ValidationRule, error)
	UpdateRule(ctx context.Context, rule model.ValidationRule) error
	DeleteRule(ctx context.Context, id int64) error
	ToggleRule(ctx context.Context, id int64, active bool) error
}

// Cache caches merged per-form rule lists. Implementations must tolerate
// concurrent use; staleness is bounded by TTL plus CRUD invalidation.
type Cache interface {
	Get(ctx context.Context, formID string) ([]model.ValidationRule, bool)
	Set(ctx context.Context, formID string, rules []model.ValidationRule)
	Invalidate(ctx context.Context, formID string)
}

// SourceFailureHook is invoked when an individual rule source fails to
// load, so callers can record metrics. The repository still returns the
// rules the other sources produced.
type SourceFailureHook func(source model.RuleSource)

// Repository aggregates validation rules from the custom rule store,
// item-level metadata and the host system's native rule tables, merging
// them with first-writer-wins deduplication keyed by (fieldPath, kind).
type Repository struct {
	store     Store
	cache     Cache
	log       *zap.Logger
	onFailure SourceFailureHook
	sourceOn  func(model.RuleSource) bool
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithCache attaches a rule cache.
func WithCache(c Cache) RepositoryOption {
	return func(r *Repository) { r.cache = c }
}

// WithSourceFailureHook registers a hook for per-source load failures.
func WithSourceFailureHook(h SourceFailureHook) RepositoryOption {
	return func(r *Repository) { r.onFailure = h }
}

// WithSources restricts aggregation to the sources enabled reports true
// for. All sources are consulted by default.
func WithSources(enabled func(model.RuleSource) bool) RepositoryOption {
	return func(r *Repository) { r.sourceOn = enabled }
}

// NewRepository creates a Repository over the given store.
func NewRepository(store Store, log *zap.Logger, opts ...RepositoryOption) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Repository{store: store, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetRulesForForm returns the merged, deduplicated rule list for a form.
// Source precedence is custom > item metadata > native; when two rules
// share (fieldPath, kind) the earlier source wins and the loser is
// dropped entirely. A failing source never aborts aggregation.
//
// The result includes inactive rules; evaluation-time filtering is the
// orchestrator's concern. Set forceRefresh to bypass the cache.
func (r *Repository) GetRulesForForm(ctx context.Context, formID string, forceRefresh bool) []model.ValidationRule {
	if r.cache != nil && !forceRefresh {
		if cached, ok := r.cache.Get(ctx, formID); ok {
			return cached
		}
	}

	merged := make([]model.ValidationRule, 0, 16)
	seen := make(map[string]model.RuleSource)

	appendRules := func(source model.RuleSource, loaded []model.ValidationRule) {
		for _, rule := range loaded {
			key := rule.DedupKey()
			if winner, dup := seen[key]; dup {
				r.log.Debug("dropping duplicate rule",
					zap.String("form_id", formID),
					zap.String("field_path", rule.FieldPath),
					zap.String("rule_type", string(rule.Kind)),
					zap.String("kept_source", string(winner)),
					zap.String("dropped_source", string(source)))
				continue
			}
			seen[key] = source
			merged = append(merged, rule)
		}
	}

	if r.sourceEnabled(model.SourceCustom) {
		custom, err := r.store.LoadCustomRules(ctx, formID)
		if err != nil {
			r.sourceFailed(formID, model.SourceCustom, err)
		} else {
			appendRules(model.SourceCustom, custom)
		}
	}

	if r.sourceEnabled(model.SourceItemMetadata) {
		itemRules, err := r.store.LoadItemMetadataRules(ctx, formID)
		if err != nil {
			r.sourceFailed(formID, model.SourceItemMetadata, err)
		} else {
			appendRules(model.SourceItemMetadata, itemRules)
		}
	}

	if r.sourceEnabled(model.SourceNative) {
		native, err := r.store.LoadNativeRules(ctx, formID)
		if err != nil {
			r.sourceFailed(formID, model.SourceNative, err)
		} else {
			mapped := make([]model.ValidationRule, 0, len(native))
			for _, n := range native {
				mapped = append(mapped, MapNativeRule(n))
			}
			appendRules(model.SourceNative, mapped)
		}
	}

	if r.cache != nil {
		r.cache.Set(ctx, formID, merged)
	}
	return merged
}

func (r *Repository) sourceEnabled(source model.RuleSource) bool {
	return r.sourceOn == nil || r.sourceOn(source)
}

func (r *Repository) sourceFailed(formID string, source model.RuleSource, err error) {
	r.log.Warn("rule source unavailable, continuing with remaining sources",
		zap.String("form_id", formID),
		zap.String("source", string(source)),
		zap.Error(err))
	if r.onFailure != nil {
		r.onFailure(source)
	}
}

// CreateRule validates and persists a new rule, invalidating the form's
// cache entry.
func (r *Repository) CreateRule(ctx context.Context, rule model.ValidationRule) (model.ValidationRule, error) {
	if err := ValidateRule(rule); err != nil {
		return model.ValidationRule{}, err
	}
	created, err := r.store.CreateRule(ctx, rule)
	if err != nil {
		return model.ValidationRule{}, err
	}
	r.invalidate(ctx, rule.FormID)
	return created, nil
}

// UpdateRule validates and persists a rule update in place, invalidating
// the form's cache entry.
func (r *Repository) UpdateRule(ctx context.Context, rule model.ValidationRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if err := r.store.UpdateRule(ctx, rule); err != nil {
		return err
	}
	r.invalidate(ctx, rule.FormID)
	return nil
}

// DeleteRule removes a rule. Rules referenced by history should be
// retired with ToggleRule instead.
func (r *Repository) DeleteRule(ctx context.Context, formID string, id int64) error {
	if err := r.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, formID)
	return nil
}

// ToggleRule activates or retires a rule without removing it.
func (r *Repository) ToggleRule(ctx context.Context, formID string, id int64, active bool) error {
	if err := r.store.ToggleRule(ctx, id, active); err != nil {
		return err
	}
	r.invalidate(ctx, formID)
	return nil
}

func (r *Repository) invalidate(ctx context.Context, formID string) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, formID)
	}
}

// nativeActionKinds maps native rule action types to rule kinds.
// DISCREPANCY_* action types are matched by prefix.
var nativeActionKinds = map[string]model.RuleKind{
	"EMAIL":                 model.RuleNotification,
	"HIDE":                  model.RuleConsistency,
	"SHOW":                  model.RuleConsistency,
	"INSERT":                model.RuleCalculation,
	"RANDOMIZATION":         model.RuleBusinessLogic,
	"STRATIFICATION_FACTOR": model.RuleCalculation,
}

// MapNativeRule converts a native rule table row into a ValidationRule
// with a synthetic id in the reserved native range.
func MapNativeRule(n model.NativeRule) model.ValidationRule {
	kind := model.RuleBusinessLogic
	action := strings.ToUpper(strings.TrimSpace(n.ActionType))
	if mapped, ok := nativeActionKinds[action]; ok {
		kind = mapped
	} else if !strings.HasPrefix(action, "DISCREPANCY") {
		// Unknown native action types still surface as business logic;
		// the evaluator fails open if the expression is unusable.
		kind = model.RuleBusinessLogic
	}

	name := n.Name
	if name == "" {
		name = fmt.Sprintf("native rule %d", n.ID)
	}
	message := n.Message
	if message == "" {
		message = fmt.Sprintf("field %q failed native rule %q", n.Target, name)
	}

	return model.ValidationRule{
		ID:               NativeRuleIDOffset + n.ID,
		FormID:           n.FormID,
		Name:             name,
		Kind:             kind,
		FieldPath:        n.Target,
		Severity:         model.SeverityError,
		ErrorMessage:     message,
		CustomExpression: n.Expression,
		Active:           true,
	}
}
