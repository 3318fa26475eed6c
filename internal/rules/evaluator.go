// Package rules implements the validation rule repository (multi-source
// aggregation with deduplication) and the per-rule evaluator.
package rules

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/formula"
	"github.com/trialgrid/crfengine/model"
)

// Evaluator tests a single rule against a value and its sibling-field
// context. Evaluation is pure and synchronous; configuration problems
// (bad regex, unparseable formula, unknown rule kind) fail open so that a
// broken rule never blocks data entry. They are logged as diagnostics.
type Evaluator struct {
	log *zap.Logger
}

// NewEvaluator creates an Evaluator. A nil logger disables diagnostics.
func NewEvaluator(log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{log: log}
}

// TestRule reports whether the value satisfies the rule. It never panics
// and never returns an error: data problems evaluate to a definite
// pass/fail, configuration problems pass.
func (e *Evaluator) TestRule(rule model.ValidationRule, value any, ctx model.FieldContext) bool {
	switch rule.Kind {
	case model.RuleRequired:
		return e.testRequired(value)
	case model.RuleRange:
		return e.testRange(rule, value)
	case model.RuleFormat:
		return e.testFormat(rule, value, ctx)
	case model.RuleConsistency:
		return e.testConsistency(rule, value, ctx)
	case model.RuleFormula:
		return e.testFormula(rule, value, ctx)
	case model.RuleBusinessLogic:
		return e.testBusinessLogic(rule, value, ctx)
	case model.RuleCrossForm:
		return e.testExpression(rule, rule.CustomExpression, value, ctx)
	case model.RuleNotification, model.RuleCalculation:
		// Recorded but never evaluated here; notifications go to the
		// email collaborator, calculations to the derivation pipeline.
		return true
	default:
		// Forward-compatible: rule kinds introduced by a newer
		// configuration pass.
		e.log.Debug("unknown rule kind, skipping",
			zap.Int64("rule_id", rule.ID),
			zap.String("rule_type", string(rule.Kind)))
		return true
	}
}

// testRequired fails only for nil and the empty string. Zero, false and
// empty slices all count as present values.
func (e *Evaluator) testRequired(value any) bool {
	if value == nil {
		return false
	}
	if s, ok := value.(string); ok && s == "" {
		return false
	}
	return true
}

// testRange is vacuously valid for an empty value: range does not imply
// presence. Both bounds are inclusive and either may be absent.
func (e *Evaluator) testRange(rule model.ValidationRule, value any) bool {
	if isEmptyValue(value) {
		return true
	}
	n, ok := numeric(value)
	if !ok {
		return false
	}
	if rule.MinValue != nil && n < *rule.MinValue {
		return false
	}
	if rule.MaxValue != nil && n > *rule.MaxValue {
		return false
	}
	return true
}

// testFormat is vacuously valid for an empty value. A pattern beginning
// with "=" is a formula in disguise; otherwise the pattern is a regular
// expression applied to the stringified value. An invalid regex fails
// open.
func (e *Evaluator) testFormat(rule model.ValidationRule, value any, ctx model.FieldContext) bool {
	if isEmptyValue(value) {
		return true
	}
	if strings.HasPrefix(rule.Pattern, "=") {
		return e.testExpression(rule, rule.Pattern, value, ctx)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		e.log.Debug("invalid format pattern, skipping rule",
			zap.Int64("rule_id", rule.ID),
			zap.String("pattern", rule.Pattern),
			zap.Error(err))
		return true
	}
	return re.MatchString(stringifyValue(value))
}

// testConsistency compares the value against its compare field. A missing
// compare field does not crash; the comparison result stands (ordering
// against an absent value is false, so the rule fails).
func (e *Evaluator) testConsistency(rule model.ValidationRule, value any, ctx model.FieldContext) bool {
	other, _ := ctx.Lookup(rule.CompareFieldPath)
	return compareValues(value, other, rule.Operator)
}

// testFormula prefers Pattern over CustomExpression; with neither
// configured the rule is vacuously valid.
func (e *Evaluator) testFormula(rule model.ValidationRule, value any, ctx model.FieldContext) bool {
	expr := rule.Pattern
	if expr == "" {
		expr = rule.CustomExpression
	}
	if expr == "" {
		return true
	}
	return e.testExpression(rule, expr, value, ctx)
}

// testBusinessLogic tries the Excel-style evaluator first and falls back
// to the bare boolean grammar when the expression doesn't parse. Both
// paths fail open.
func (e *Evaluator) testBusinessLogic(rule model.ValidationRule, value any, ctx model.FieldContext) bool {
	expr := rule.CustomExpression
	if expr == "" {
		return true
	}
	valid, err := formula.Evaluate(expr, value, ctx)
	if err == nil {
		return valid
	}
	valid, err = formula.EvaluateBoolean(expr, value, ctx)
	if err != nil {
		e.log.Debug("business logic expression did not evaluate, skipping rule",
			zap.Int64("rule_id", rule.ID),
			zap.Error(err))
		return true
	}
	return valid
}

func (e *Evaluator) testExpression(rule model.ValidationRule, expr string, value any, ctx model.FieldContext) bool {
	if expr == "" {
		return true
	}
	valid, err := formula.Evaluate(expr, value, ctx)
	if err != nil {
		e.log.Debug("formula did not evaluate, skipping rule",
			zap.Int64("rule_id", rule.ID),
			zap.Error(err))
		return true
	}
	return valid
}
