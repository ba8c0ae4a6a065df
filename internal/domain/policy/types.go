// Package policy contains the governance policy types and the
// evaluation engine that turns a proposal plus its context into a
// decision trace.
package policy

import (
	"context"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/competence"
	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
	"github.com/chaperone-dev/chaperone/internal/domain/identity"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
	"github.com/chaperone-dev/chaperone/internal/domain/rule"
)

// Effect is what a matched policy does to the decision.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
	EffectModify          Effect = "modify"
)

// CheckCode identifies one step of the evaluation pipeline in the trace.
type CheckCode string

const (
	CheckForbiddenBehavior CheckCode = "FORBIDDEN_BEHAVIOR"
	CheckTrustBehavior     CheckCode = "TRUST_BEHAVIOR"
	CheckCompetenceTrust   CheckCode = "COMPETENCE_TRUST"
	CheckCompetenceDeny    CheckCode = "COMPETENCE_DENY"
	CheckRateLimit         CheckCode = "RATE_LIMIT"
	CheckCooldown          CheckCode = "COOLDOWN"
	CheckProtectedEntity   CheckCode = "PROTECTED_ENTITY"
	CheckSpendLimit        CheckCode = "SPEND_LIMIT"
	CheckPolicyRule        CheckCode = "POLICY_RULE"
	CheckRiskScoring       CheckCode = "RISK_SCORING"
	CheckCompositeRisk     CheckCode = "COMPOSITE_RISK"
)

// Policy is one governance rule with an effect. Policies are evaluated
// in ascending priority order; same-priority ties keep list order.
type Policy struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	CartridgeID string `json:"cartridgeId,omitempty" yaml:"cartridgeId,omitempty"`
	Priority    int    `json:"priority" yaml:"priority"`
	Active      bool   `json:"active" yaml:"active"`
	// Rule is the structural condition tree; nil matches everything.
	Rule *rule.Rule `json:"rule,omitempty" yaml:"rule,omitempty"`
	// CELCondition is an optional expression evaluated alongside the
	// rule; both must hold for the policy to match.
	CELCondition string `json:"celCondition,omitempty" yaml:"celCondition,omitempty"`
	Effect       Effect `json:"effect" yaml:"effect"`
	// ApprovalLevel applies when Effect is require_approval.
	ApprovalLevel identity.ApprovalLevel `json:"approvalLevel,omitempty" yaml:"approvalLevel,omitempty"`
	// Patch applies when Effect is modify.
	Patch map[string]any `json:"patch,omitempty" yaml:"patch,omitempty"`
}

// EvaluationContext is the flattened view of one proposal the engine
// and CEL expressions evaluate against.
type EvaluationContext struct {
	ActionType     string         `json:"actionType"`
	Parameters     map[string]any `json:"parameters"`
	CartridgeID    string         `json:"cartridgeId"`
	PrincipalID    string         `json:"principalId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	RiskCategory   risk.Category  `json:"riskCategory,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RuleContext flattens the evaluation context into the dotted-path map
// rule conditions resolve against.
func (e EvaluationContext) RuleContext() map[string]any {
	return map[string]any{
		"actionType":     e.ActionType,
		"parameters":     e.Parameters,
		"cartridgeId":    e.CartridgeID,
		"principalId":    e.PrincipalID,
		"organizationId": e.OrganizationID,
		"riskCategory":   string(e.RiskCategory),
		"metadata":       e.Metadata,
	}
}

// SpendLookup supplies current spend totals for the windowed limits.
type SpendLookup struct {
	DailySpend   float64 `json:"dailySpend"`
	WeeklySpend  float64 `json:"weeklySpend"`
	MonthlySpend float64 `json:"monthlySpend"`
}

// EngineContext carries everything one evaluation needs besides the
// proposal itself.
type EngineContext struct {
	Policies       []Policy
	Guardrails     guardrail.Guardrails
	GuardrailState *guardrail.State
	Identity       identity.Resolved
	RiskInput      risk.Input
	RiskConfig     risk.Config
	// SpendLookup enables the windowed spend checks when set.
	SpendLookup *SpendLookup
	// Composite enables composite-risk bumping when set.
	Composite *risk.CompositeContext
	// Competence records for this principal and action type.
	Competence []*competence.Record
	Now        time.Time
}

// DecisionCheck is one evaluated check in the trace.
type DecisionCheck struct {
	Code     CheckCode      `json:"code"`
	PolicyID string         `json:"policyId,omitempty"`
	Matched  bool           `json:"matched"`
	Effect   Effect         `json:"effect,omitempty"`
	Field    string         `json:"field,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// DecisionTrace is the full, ordered record of one evaluation.
type DecisionTrace struct {
	Checks        []DecisionCheck        `json:"checks"`
	RiskScore     risk.Score             `json:"riskScore"`
	Denied        bool                   `json:"denied"`
	ApprovalLevel identity.ApprovalLevel `json:"approvalLevel"`
	Explanation   string                 `json:"explanation"`
	// ModifiedParameters is set when a modify policy rewrote the
	// proposal; nil means the original parameters stand.
	ModifiedParameters map[string]any `json:"modifiedParameters,omitempty"`
	EvaluatedAt        time.Time      `json:"evaluatedAt"`
}

// Allowed reports whether the action may proceed without a human.
func (t DecisionTrace) Allowed() bool {
	return !t.Denied && t.ApprovalLevel == identity.ApprovalNone
}

// CELEvaluator evaluates a CEL condition against an evaluation context.
// Implementations must treat evaluation errors as non-matches.
type CELEvaluator interface {
	EvaluateCondition(ctx context.Context, expr string, ectx EvaluationContext) (bool, error)
}

// Store persists policies.
type Store interface {
	SavePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListActivePolicies(ctx context.Context, cartridgeID string) ([]Policy, error)
}
