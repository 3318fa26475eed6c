// Package model contains the shared domain types for the CRF validation
// engine: validation rules, evaluation outcomes, and lifecycle state.
package model

// RuleKind identifies the validation semantics of a rule.
type RuleKind string

// Rule kinds understood by the evaluator. Notification and calculation
// rules are loaded from native rule tables and carried through the
// repository but are never evaluated by this engine; notifications are
// dispatched to the email collaborator, calculations to the derivation
// pipeline.
const (
	RuleRequired      RuleKind = "required"
	RuleRange         RuleKind = "range"
	RuleFormat        RuleKind = "format"
	RuleConsistency   RuleKind = "consistency"
	RuleFormula       RuleKind = "formula"
	RuleBusinessLogic RuleKind = "business_logic"
	RuleCrossForm     RuleKind = "cross_form"
	RuleNotification  RuleKind = "notification"
	RuleCalculation   RuleKind = "calculation"
)

// KnownRuleKinds lists every rule kind this engine recognises, in a stable
// order.
var KnownRuleKinds = []RuleKind{
	RuleRequired, RuleRange, RuleFormat, RuleConsistency,
	RuleFormula, RuleBusinessLogic, RuleCrossForm,
	RuleNotification, RuleCalculation,
}

// Known reports whether k is a rule kind this engine recognises. Unknown
// kinds are tolerated at evaluation time (they pass), so this is only used
// for authoring-time validation.
func (k RuleKind) Known() bool {
	for _, known := range KnownRuleKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity partitions validation failures into hard and soft edits.
type Severity string

const (
	// SeverityError blocks saving the form (hard edit).
	SeverityError Severity = "error"
	// SeverityWarning allows saving but may open a query (soft edit).
	SeverityWarning Severity = "warning"
)

// RuleSource tags the provenance of a rule during aggregation. It is not
// persisted on the merged rule; precedence during deduplication follows
// the declaration order below (custom wins over item metadata, which wins
// over native).
type RuleSource string

const (
	SourceCustom       RuleSource = "custom"
	SourceItemMetadata RuleSource = "item_metadata"
	SourceNative       RuleSource = "native"
)

// Comparison operators accepted by consistency rules.
const (
	OpEqual          = "=="
	OpNotEqual       = "!="
	OpGreater        = ">"
	OpGreaterOrEqual = ">="
	OpLess           = "<"
	OpLessOrEqual    = "<="
)

// ValidationRule is an immutable rule configuration entity. Exactly one
// kind applies per rule; the type-specific parameter fields are only
// meaningful for the kinds documented on each field.
type ValidationRule struct {
	ID          int64  `json:"id"`
	FormID      string `json:"form_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Kind RuleKind `json:"rule_type"`

	// FieldPath identifies the target field. It may be dotted
	// ("demographics.age") or bare ("age"); resolution against a payload
	// is the orchestrator's concern.
	FieldPath string `json:"field_path"`

	Severity       Severity `json:"severity"`
	ErrorMessage   string   `json:"error_message"`
	WarningMessage string   `json:"warning_message,omitempty"`

	// MinValue/MaxValue bound range rules; either side is optional and
	// both bounds are inclusive.
	MinValue *float64 `json:"min_value,omitempty"`
	MaxValue *float64 `json:"max_value,omitempty"`

	// Pattern holds a regular expression for format rules. By convention
	// a pattern beginning with "=" is a formula instead, and formula
	// rules prefer Pattern over CustomExpression.
	Pattern string `json:"pattern,omitempty"`

	// Operator and CompareFieldPath drive consistency rules.
	Operator         string `json:"operator,omitempty"`
	CompareFieldPath string `json:"compare_field_path,omitempty"`

	// CustomExpression holds the formula for formula, business_logic and
	// cross_form rules.
	CustomExpression string `json:"custom_expression,omitempty"`

	// Active rules are evaluated; inactive rules are loaded but skipped.
	// Retirement is always a toggle, never a hard delete, while the rule
	// is referenced by history.
	Active bool `json:"active"`

	// ItemID is an optional back-reference to the item definition this
	// rule was projected from, used to propagate format patterns back
	// into item-level metadata.
	ItemID string `json:"item_id,omitempty"`
}

// Message returns the message appropriate for the rule's severity. A
// warning rule without a warning message falls back to the error message.
func (r ValidationRule) Message() string {
	if r.Severity == SeverityWarning && r.WarningMessage != "" {
		return r.WarningMessage
	}
	return r.ErrorMessage
}

// DedupKey is the merge key used by the rule repository: two rules
// targeting the same field with the same kind are considered duplicates
// regardless of source.
func (r ValidationRule) DedupKey() string {
	return r.FieldPath + "\x00" + string(r.Kind)
}

// NativeRule is a row from the host system's native rule tables
// (rule / rule_expression / rule_action) before it is mapped into a
// ValidationRule by the repository.
type NativeRule struct {
	ID         int64  `json:"id"`
	FormID     string `json:"form_id"`
	Name       string `json:"name"`
	Target     string `json:"target"`
	Expression string `json:"expression"`
	ActionType string `json:"action_type"`
	Message    string `json:"message"`
}
