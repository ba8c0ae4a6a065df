package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/chaperone-dev/chaperone/internal/domain/approval"
	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
	"github.com/chaperone-dev/chaperone/internal/domain/identity"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
	"github.com/chaperone-dev/chaperone/internal/domain/rule"
)

// Engine runs the ordered evaluation pipeline. Every check lands in the
// trace whether or not it matched, so a denied action still shows what
// else would have applied.
type Engine struct {
	cel    CELEvaluator
	logger *slog.Logger
}

// NewEngine builds an engine. The CEL evaluator is optional; policies
// with a CEL condition never match without one.
func NewEngine(cel CELEvaluator, logger *slog.Logger) *Engine {
	return &Engine{cel: cel, logger: logger}
}

// Evaluate runs the full pipeline and returns the decision trace.
func (e *Engine) Evaluate(ctx context.Context, ectx EvaluationContext, ec EngineContext) DecisionTrace {
	trace := DecisionTrace{EvaluatedAt: ec.Now}
	entityID := EntityIDFromParameters(ectx.Parameters)

	// Behavior sets and competence first: they set the floor and the
	// hard stops before anything else is weighed.
	e.checkForbidden(&trace, ectx, ec)
	trustMatched := e.checkTrust(&trace, ectx, ec)
	trustMatched = e.checkCompetence(&trace, ec) || trustMatched

	e.checkRateLimits(&trace, ectx, ec)
	e.checkCooldowns(&trace, ectx, ec, entityID)
	e.checkProtectedEntities(&trace, ec, entityID)
	e.checkSpendLimits(&trace, ectx, ec)

	var required []identity.ApprovalLevel
	e.evaluatePolicies(ctx, &trace, ectx, ec, &required)

	category := e.scoreRisk(&trace, ec)

	// Approval level selection: the tolerance lookup for the final
	// category, overridden to none by an earned trust match, then
	// raised by any policy that demanded more.
	level := ec.Identity.ToleranceFor(category)
	if trustMatched && !trace.Denied {
		level = identity.ApprovalNone
	}
	for _, r := range required {
		level = identity.MaxLevel(level, r)
	}
	trace.ApprovalLevel = level

	trace.Explanation = explain(&trace)

	if e.logger != nil {
		e.logger.Debug("evaluation complete",
			"action_type", ectx.ActionType,
			"principal_id", ectx.PrincipalID,
			"denied", trace.Denied,
			"approval_level", string(trace.ApprovalLevel),
			"risk_category", string(trace.RiskScore.Category),
		)
	}
	return trace
}

func (e *Engine) checkForbidden(trace *DecisionTrace, ectx EvaluationContext, ec EngineContext) {
	matched := identity.MatchBehavior(ec.Identity.ForbiddenBehaviors, ectx.ActionType)
	check := DecisionCheck{Code: CheckForbiddenBehavior, Matched: matched, Effect: EffectDeny}
	if matched {
		check.Detail = fmt.Sprintf("action type %q is forbidden for this identity", ectx.ActionType)
		trace.Denied = true
	}
	trace.Checks = append(trace.Checks, check)
}

func (e *Engine) checkTrust(trace *DecisionTrace, ectx EvaluationContext, ec EngineContext) bool {
	matched := identity.MatchBehavior(ec.Identity.TrustBehaviors, ectx.ActionType)
	check := DecisionCheck{Code: CheckTrustBehavior, Matched: matched, Effect: EffectAllow}
	if matched {
		check.Detail = fmt.Sprintf("action type %q is trusted for this identity", ectx.ActionType)
	}
	trace.Checks = append(trace.Checks, check)
	return matched
}

func (e *Engine) checkCompetence(trace *DecisionTrace, ec EngineContext) bool {
	trusted := false
	for _, rec := range ec.Competence {
		if rec == nil {
			continue
		}
		switch {
		case rec.ShouldDeny:
			trace.Checks = append(trace.Checks, DecisionCheck{
				Code:    CheckCompetenceDeny,
				Matched: true,
				Effect:  EffectDeny,
				Detail:  fmt.Sprintf("competence score %.1f for %q is below the deny threshold", rec.Score, rec.ActionType),
			})
			trace.Denied = true
		case rec.ShouldTrust:
			trace.Checks = append(trace.Checks, DecisionCheck{
				Code:    CheckCompetenceTrust,
				Matched: true,
				Effect:  EffectAllow,
				Detail:  fmt.Sprintf("earned trust for %q", rec.ActionType),
			})
			trusted = true
		}
	}
	return trusted
}

func (e *Engine) checkRateLimits(trace *DecisionTrace, ectx EvaluationContext, ec EngineContext) {
	for _, rl := range ec.Guardrails.RateLimits {
		if rl.ActionType != "" && rl.ActionType != "*" && rl.ActionType != ectx.ActionType {
			continue
		}
		key := guardrail.RateKey(rl.Scope, ectx.ActionType)
		check := DecisionCheck{Code: CheckRateLimit, Effect: EffectDeny, Field: key}

		var counter guardrail.Counter
		if ec.GuardrailState != nil {
			counter = ec.GuardrailState.RateCounters[key]
		}
		inWindow := !counter.WindowStart.IsZero() && ec.Now.Sub(counter.WindowStart) < rl.Window
		if inWindow && counter.Count >= rl.MaxActions {
			check.Matched = true
			check.Detail = fmt.Sprintf("rate limit %d per %s exceeded (count %d)", rl.MaxActions, rl.Window, counter.Count)
			trace.Denied = true
		}
		trace.Checks = append(trace.Checks, check)
	}
}

func (e *Engine) checkCooldowns(trace *DecisionTrace, ectx EvaluationContext, ec EngineContext, entityID string) {
	if entityID == "" {
		return
	}
	for _, cd := range ec.Guardrails.Cooldowns {
		if cd.ActionType != "*" && cd.ActionType != ectx.ActionType {
			continue
		}
		key := guardrail.CooldownKey(cd.Scope, entityID)
		check := DecisionCheck{Code: CheckCooldown, Effect: EffectDeny, Field: key}

		if ec.GuardrailState != nil {
			if last, ok := ec.GuardrailState.CooldownStamps[key]; ok {
				if ec.Now.Sub(last) < cd.Cooldown {
					check.Matched = true
					check.Detail = fmt.Sprintf("entity %q is in a %s cooldown", entityID, cd.Cooldown)
					trace.Denied = true
				}
			}
		}
		trace.Checks = append(trace.Checks, check)
	}
}

func (e *Engine) checkProtectedEntities(trace *DecisionTrace, ec EngineContext, entityID string) {
	if entityID == "" {
		return
	}
	for _, pe := range ec.Guardrails.ProtectedEntities {
		if pe.EntityID != entityID {
			continue
		}
		detail := fmt.Sprintf("entity %q is protected", entityID)
		if pe.Reason != "" {
			detail = fmt.Sprintf("entity %q is protected: %s", entityID, pe.Reason)
		}
		trace.Checks = append(trace.Checks, DecisionCheck{
			Code:    CheckProtectedEntity,
			Matched: true,
			Effect:  EffectDeny,
			Field:   entityID,
			Detail:  detail,
		})
		trace.Denied = true
	}
}

func (e *Engine) checkSpendLimits(trace *DecisionTrace, ectx EvaluationContext, ec EngineContext) {
	amount, ok := amountFromParameters(ectx.Parameters)
	if !ok {
		return
	}

	if limit := ec.Identity.SpendLimits.PerAction; limit != nil {
		check := DecisionCheck{Code: CheckSpendLimit, Effect: EffectDeny, Field: "perAction"}
		if amount > *limit {
			check.Matched = true
			check.Detail = fmt.Sprintf("amount %.2f exceeds per-action limit %.2f", amount, *limit)
			trace.Denied = true
		}
		trace.Checks = append(trace.Checks, check)
	}

	if ec.SpendLookup == nil {
		return
	}
	windows := []struct {
		field   string
		limit   *float64
		current float64
	}{
		{"daily", ec.Identity.SpendLimits.Daily, ec.SpendLookup.DailySpend},
		{"weekly", ec.Identity.SpendLimits.Weekly, ec.SpendLookup.WeeklySpend},
		{"monthly", ec.Identity.SpendLimits.Monthly, ec.SpendLookup.MonthlySpend},
	}
	for _, w := range windows {
		if w.limit == nil {
			continue
		}
		check := DecisionCheck{Code: CheckSpendLimit, Effect: EffectDeny, Field: w.field}
		if w.current+amount > *w.limit {
			check.Matched = true
			check.Detail = fmt.Sprintf("%s spend %.2f plus amount %.2f exceeds limit %.2f", w.field, w.current, amount, *w.limit)
			trace.Denied = true
		}
		trace.Checks = append(trace.Checks, check)
	}
}

func (e *Engine) evaluatePolicies(ctx context.Context, trace *DecisionTrace, ectx EvaluationContext, ec EngineContext, required *[]identity.ApprovalLevel) {
	policies := make([]Policy, 0, len(ec.Policies))
	for _, p := range ec.Policies {
		if p.Active {
			policies = append(policies, p)
		}
	}
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].Priority < policies[j].Priority })

	ruleCtx := ectx.RuleContext()
	for _, p := range policies {
		check := DecisionCheck{Code: CheckPolicyRule, PolicyID: p.ID, Effect: p.Effect}

		matched := rule.Evaluate(p.Rule, ruleCtx).Matched
		if matched && p.CELCondition != "" {
			if e.cel == nil {
				matched = false
			} else {
				ok, err := e.cel.EvaluateCondition(ctx, p.CELCondition, ectx)
				if err != nil {
					if e.logger != nil {
						e.logger.Warn("cel condition failed", "policy_id", p.ID, "error", err)
					}
					ok = false
				}
				matched = ok
			}
		}
		check.Matched = matched

		if matched {
			switch p.Effect {
			case EffectDeny:
				check.Detail = fmt.Sprintf("policy %q denies this action", p.Name)
				trace.Denied = true
			case EffectRequireApproval:
				level := p.ApprovalLevel
				if level == "" {
					level = identity.ApprovalStandard
				}
				check.Detail = fmt.Sprintf("policy %q requires %s approval", p.Name, level)
				*required = append(*required, level)
			case EffectModify:
				check.Detail = fmt.Sprintf("policy %q modifies the parameters", p.Name)
				base := trace.ModifiedParameters
				if base == nil {
					base = ectx.Parameters
				}
				trace.ModifiedParameters = approval.ApplyPatch(base, p.Patch)
			case EffectAllow:
				check.Detail = fmt.Sprintf("policy %q allows this action", p.Name)
			}
		}
		trace.Checks = append(trace.Checks, check)
	}
}

func (e *Engine) scoreRisk(trace *DecisionTrace, ec EngineContext) risk.Category {
	cfg := ec.RiskConfig
	if cfg.CategoryThresholds == ([4]float64{}) {
		cfg = risk.DefaultConfig()
	}
	score := cfg.Score(ec.RiskInput)
	trace.Checks = append(trace.Checks, DecisionCheck{
		Code:    CheckRiskScoring,
		Matched: true,
		Detail:  fmt.Sprintf("risk %.1f (%s)", score.Raw, score.Category),
		Data:    map[string]any{"raw": score.Raw, "category": string(score.Category)},
	})

	if ec.Composite != nil {
		bumped, increased := cfg.CompositeBump(score, *ec.Composite)
		if increased {
			trace.Checks = append(trace.Checks, DecisionCheck{
				Code:    CheckCompositeRisk,
				Matched: true,
				Detail:  fmt.Sprintf("recent activity raised risk to %.1f (%s)", bumped.Raw, bumped.Category),
				Data:    map[string]any{"raw": bumped.Raw, "category": string(bumped.Category)},
			})
		}
		score = bumped
	}

	trace.RiskScore = score
	return score.Category
}

func explain(trace *DecisionTrace) string {
	if trace.Denied {
		for _, c := range trace.Checks {
			if c.Matched && c.Effect == EffectDeny {
				return "Denied: " + c.Detail
			}
		}
		return "Denied."
	}
	if trace.ApprovalLevel != identity.ApprovalNone {
		return fmt.Sprintf("Action allowed pending %s approval.", trace.ApprovalLevel)
	}
	return "Action allowed."
}

// EntityIDFromParameters extracts the entity an action targets. It
// prefers an explicit entityId, then falls back to the first
// conventional "...Id" key in sorted order. Hidden parameters are
// skipped.
func EntityIDFromParameters(params map[string]any) string {
	if v, ok := params["entityId"].(string); ok && v != "" {
		return v
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if strings.HasSuffix(k, "Id") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func amountFromParameters(params map[string]any) (float64, bool) {
	v, ok := params["amount"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
