package validation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/model"
)

// QueryOpener is the query/discrepancy-note collaborator. The
// orchestrator requests that a query be opened for a violation; it does
// not manage the query's lifecycle.
type QueryOpener interface {
	OpenQuery(ctx context.Context, formInstanceID, fieldPath, message string, severity model.Severity) (string, error)
}

// Hooks are optional metric callbacks recorded per validation pass.
type Hooks struct {
	ValidationRun func(mode string, valid bool, duration time.Duration)
	Violation     func(severity model.Severity)
	QueryOpened   func()
}

// Orchestrator runs all applicable rules for a form against a payload or
// a single changed field.
type Orchestrator struct {
	repo    *rules.Repository
	eval    *rules.Evaluator
	queries QueryOpener
	log     *zap.Logger
	hooks   Hooks
}

// NewOrchestrator creates an Orchestrator. queries may be nil when query
// creation is never requested.
func NewOrchestrator(repo *rules.Repository, eval *rules.Evaluator, queries QueryOpener, log *zap.Logger, hooks Hooks) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{repo: repo, eval: eval, queries: queries, log: log, hooks: hooks}
}

// options collects the per-call validation options.
type options struct {
	createQueries  bool
	formInstanceID string
	forceRefresh   bool
}

// Option configures a single validation call.
type Option func(*options)

// WithQueryCreation asks the orchestrator to request a query for every
// violation. Disabled by default; intended for form-submission-time
// checks, not live field-level ones.
func WithQueryCreation(formInstanceID string) Option {
	return func(o *options) {
		o.createQueries = true
		o.formInstanceID = formInstanceID
	}
}

// WithForceRefresh bypasses the rule cache for this call.
func WithForceRefresh() Option {
	return func(o *options) { o.forceRefresh = true }
}

// ValidateFormData evaluates every active rule for the form against the
// full payload. Evaluation never short-circuits: all failures across all
// fields accumulate, in the order the repository returned the rules.
func (o *Orchestrator) ValidateFormData(ctx context.Context, formID string, data model.FieldContext, opts ...Option) model.ValidationOutcome {
	start := time.Now()
	cfg := applyOptions(opts)
	ruleList := o.repo.GetRulesForForm(ctx, formID, cfg.forceRefresh)

	outcome := model.ValidationOutcome{Valid: true}
	for _, rule := range ruleList {
		if !rule.Active {
			continue
		}
		value, _ := ResolveField(data, rule.FieldPath)
		if o.eval.TestRule(rule, value, data) {
			continue
		}
		o.recordViolation(ctx, &outcome, rule, cfg)
	}

	if o.hooks.ValidationRun != nil {
		o.hooks.ValidationRun("form", outcome.Valid, time.Since(start))
	}
	return outcome
}

// ValidateFieldChange evaluates only the rules targeting the changed
// field, using fullContext for consistency and formula cross-references.
func (o *Orchestrator) ValidateFieldChange(ctx context.Context, formID, fieldPath string, value any, fullContext model.FieldContext, opts ...Option) model.ValidationOutcome {
	start := time.Now()
	cfg := applyOptions(opts)
	ruleList := o.repo.GetRulesForForm(ctx, formID, cfg.forceRefresh)

	outcome := model.ValidationOutcome{Valid: true}
	for _, rule := range ruleList {
		if !rule.Active || !matchesField(rule.FieldPath, fieldPath) {
			continue
		}
		if o.eval.TestRule(rule, value, fullContext) {
			continue
		}
		o.recordViolation(ctx, &outcome, rule, cfg)
	}

	if o.hooks.ValidationRun != nil {
		o.hooks.ValidationRun("field", outcome.Valid, time.Since(start))
	}
	return outcome
}

func (o *Orchestrator) recordViolation(ctx context.Context, outcome *model.ValidationOutcome, rule model.ValidationRule, cfg options) {
	v := model.Violation{
		FieldPath: rule.FieldPath,
		RuleID:    rule.ID,
		Message:   rule.Message(),
		Severity:  rule.Severity,
	}
	if rule.Severity == model.SeverityWarning {
		outcome.Warnings = append(outcome.Warnings, v)
	} else {
		outcome.Errors = append(outcome.Errors, v)
		outcome.Valid = false
	}
	if o.hooks.Violation != nil {
		o.hooks.Violation(rule.Severity)
	}

	if cfg.createQueries && o.queries != nil {
		queryID, err := o.queries.OpenQuery(ctx, cfg.formInstanceID, v.FieldPath, v.Message, v.Severity)
		if err != nil {
			o.log.Warn("query creation failed for violation",
				zap.String("form_instance_id", cfg.formInstanceID),
				zap.String("field_path", v.FieldPath),
				zap.Error(err))
			return
		}
		outcome.QueriesCreated++
		if o.hooks.QueryOpened != nil {
			o.hooks.QueryOpened()
		}
		o.log.Debug("query opened for violation",
			zap.String("query_id", queryID),
			zap.String("field_path", v.FieldPath),
			zap.String("severity", string(v.Severity)))
	}
}

func applyOptions(opts []Option) options {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
