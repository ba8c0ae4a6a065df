// Package rule contains the boolean condition-tree evaluator used by
// governance policies and overlay activation predicates.
package rule

// Composition combines the conditions and children of a rule node.
type Composition string

const (
	// CompositionAnd matches when every condition and child matches.
	CompositionAnd Composition = "AND"
	// CompositionOr matches when any condition or child matches.
	CompositionOr Composition = "OR"
	// CompositionNot inverts the conjunction of its conditions and children.
	CompositionNot Composition = "NOT"
)

// Operator compares a resolved field value against an expected value.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Condition is a single field comparison. Field is a dotted path resolved
// against the evaluation context (e.g. "parameters.amount").
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Rule is a node in a boolean condition tree.
type Rule struct {
	Composition Composition `json:"composition" yaml:"composition"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Children    []*Rule     `json:"children,omitempty" yaml:"children,omitempty"`
}

// ConditionResult records the outcome of one condition comparison.
type ConditionResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Matched  bool     `json:"matched"`
	Actual   any      `json:"actual,omitempty"`
}

// Result is the outcome of evaluating a rule tree.
type Result struct {
	Matched    bool              `json:"matched"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
}
