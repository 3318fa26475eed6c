package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/trialgrid/crfengine/model"
)

var validOperators = map[string]bool{
	model.OpEqual:          true,
	model.OpNotEqual:       true,
	model.OpGreater:        true,
	model.OpGreaterOrEqual: true,
	model.OpLess:           true,
	model.OpLessOrEqual:    true,
}

// ValidateRule checks a rule for authoring-time structural problems.
// This is stricter than evaluation: the evaluator tolerates broken
// configuration at runtime (fail-open), but we refuse to persist rules
// that can never do anything useful.
func ValidateRule(rule model.ValidationRule) error {
	if rule.FormID == "" {
		return model.NewValidationError("form_id is required")
	}
	if rule.Name == "" {
		return model.NewValidationError("name is required")
	}
	if rule.FieldPath == "" {
		return model.NewValidationError("field_path is required")
	}
	if !rule.Kind.Known() {
		return model.NewValidationError(fmt.Sprintf("unknown rule_type %q", rule.Kind))
	}
	if rule.Severity != model.SeverityError && rule.Severity != model.SeverityWarning {
		return model.NewValidationError(fmt.Sprintf("severity must be %q or %q", model.SeverityError, model.SeverityWarning))
	}
	if rule.ErrorMessage == "" {
		return model.NewValidationError("error_message is required")
	}

	switch rule.Kind {
	case model.RuleRange:
		if rule.MinValue == nil && rule.MaxValue == nil {
			return model.NewValidationError("range rule requires min_value or max_value")
		}
		if rule.MinValue != nil && rule.MaxValue != nil && *rule.MinValue > *rule.MaxValue {
			return model.NewValidationError("min_value exceeds max_value")
		}
	case model.RuleFormat:
		if rule.Pattern == "" {
			return model.NewValidationError("format rule requires a pattern")
		}
		if !strings.HasPrefix(rule.Pattern, "=") {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return model.NewValidationError(fmt.Sprintf("invalid pattern: %v", err))
			}
		}
	case model.RuleConsistency:
		if rule.CompareFieldPath == "" {
			return model.NewValidationError("consistency rule requires compare_field_path")
		}
		if !validOperators[rule.Operator] {
			return model.NewValidationError(fmt.Sprintf("invalid operator %q", rule.Operator))
		}
	case model.RuleFormula:
		if rule.Pattern == "" && rule.CustomExpression == "" {
			return model.NewValidationError("formula rule requires a pattern or custom_expression")
		}
	case model.RuleBusinessLogic, model.RuleCrossForm:
		if rule.CustomExpression == "" {
			return model.NewValidationError(fmt.Sprintf("%s rule requires custom_expression", rule.Kind))
		}
	}
	return nil
}
