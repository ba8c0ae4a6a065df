package identity

import (
	"sort"

	"github.com/chaperone-dev/chaperone/internal/domain/competence"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
	"github.com/chaperone-dev/chaperone/internal/domain/rule"
)

// DefaultTolerance is the guarded baseline matrix used when a spec does
// not pin a category.
func DefaultTolerance() map[risk.Category]ApprovalLevel {
	return map[risk.Category]ApprovalLevel{
		risk.CategoryNone:     ApprovalNone,
		risk.CategoryLow:      ApprovalNone,
		risk.CategoryMedium:   ApprovalStandard,
		risk.CategoryHigh:     ApprovalElevated,
		risk.CategoryCritical: ApprovalMandatory,
	}
}

// Resolve merges a spec, its active overlays, and competence adjustments
// into the effective identity used for one evaluation.
func Resolve(spec *Spec, overlays []Overlay, actx ActivationContext, adjustments []*competence.Record) Resolved {
	res := Resolved{
		PrincipalID:        spec.PrincipalID,
		RiskTolerance:      make(map[risk.Category]ApprovalLevel),
		SpendLimits:        spec.SpendLimits,
		ForbiddenBehaviors: append([]string(nil), spec.ForbiddenBehaviors...),
		TrustBehaviors:     append([]string(nil), spec.TrustBehaviors...),
		DelegatedApprovers: append([]string(nil), spec.DelegatedApprovers...),
		Profile:            spec.Profile,
	}
	if res.Profile == "" {
		res.Profile = ProfileGuarded
	}

	for c, l := range DefaultTolerance() {
		res.RiskTolerance[c] = l
	}
	for c, l := range spec.RiskTolerance {
		res.RiskTolerance[c] = l
	}

	applyProfile(&res)

	// Cartridge-scoped limits replace the globals when the evaluation
	// runs under that cartridge; the profile treatment still applies.
	if cl, ok := spec.CartridgeSpendLimits[actx.CartridgeID]; ok {
		res.SpendLimits = profileLimits(res.Profile, cl)
	}

	for _, ov := range activeOverlays(overlays, actx) {
		res.ActiveOverlays = append(res.ActiveOverlays, ov.ID)
		applyOverlay(&res, ov)
	}

	applyCompetence(&res, adjustments)

	return res
}

// applyProfile rewrites the matrix according to the governance baseline.
// Observe auto-approves everything while still tracing intent; locked
// requires a human for every action and zeroes per-action spend.
func applyProfile(res *Resolved) {
	switch res.Profile {
	case ProfileObserve:
		for c := range res.RiskTolerance {
			res.RiskTolerance[c] = ApprovalNone
		}
	case ProfileStrict:
		for c, l := range res.RiskTolerance {
			res.RiskTolerance[c] = RaiseLevel(l)
		}
	case ProfileLocked:
		for c := range res.RiskTolerance {
			res.RiskTolerance[c] = ApprovalMandatory
		}
	}
	res.SpendLimits = profileLimits(res.Profile, res.SpendLimits)
}

// profileLimits applies the profile's spend treatment to one limit set:
// strict halves every set cap, locked zeroes per-action spend.
func profileLimits(p GovernanceProfile, l SpendLimits) SpendLimits {
	switch p {
	case ProfileStrict:
		return tightenLimits(l)
	case ProfileLocked:
		zero := 0.0
		l.PerAction = &zero
	}
	return l
}

// tightenLimits halves every set limit.
func tightenLimits(l SpendLimits) SpendLimits {
	half := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p / 2
		return &v
	}
	return SpendLimits{
		PerAction: half(l.PerAction),
		Daily:     half(l.Daily),
		Weekly:    half(l.Weekly),
		Monthly:   half(l.Monthly),
	}
}

func activeOverlays(overlays []Overlay, actx ActivationContext) []Overlay {
	var out []Overlay
	for _, ov := range overlays {
		if !ov.Active {
			continue
		}
		if !conditionsMet(ov.Conditions, actx) {
			continue
		}
		out = append(out, ov)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func conditionsMet(c ActivationConditions, actx ActivationContext) bool {
	if len(c.TimeWindows) > 0 {
		inWindow := false
		for _, w := range c.TimeWindows {
			if w.Contains(actx.Now) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			return false
		}
	}

	if len(c.Cartridges) > 0 {
		found := false
		for _, id := range c.Cartridges {
			if id == actx.CartridgeID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.Metadata != nil {
		if !rule.Evaluate(c.Metadata, actx.Metadata).Matched {
			return false
		}
	}

	return true
}

func applyOverlay(res *Resolved, ov Overlay) {
	for c, l := range ov.Patch.RiskTolerance {
		cur := res.RiskTolerance[c]
		if ov.Mode == OverlayExtend {
			res.RiskTolerance[c] = MinLevel(cur, l)
		} else {
			res.RiskTolerance[c] = MaxLevel(cur, l)
		}
	}

	for _, b := range ov.Patch.AdditionalForbiddenBehaviors {
		if !containsString(res.ForbiddenBehaviors, b) {
			res.ForbiddenBehaviors = append(res.ForbiddenBehaviors, b)
		}
	}

	for _, b := range ov.Patch.RemoveTrustBehaviors {
		res.TrustBehaviors = removeString(res.TrustBehaviors, b)
	}

	if ov.Patch.SpendLimits != nil {
		res.SpendLimits = mergeLimits(res.SpendLimits, *ov.Patch.SpendLimits, ov.Mode)
	}
}

// mergeLimits combines two limit sets per overlay mode: restrict keeps
// the smaller non-nil cap, extend keeps the larger (or lifts to
// unlimited when the patch is nil for a field that extend touches).
func mergeLimits(base, patch SpendLimits, mode OverlayMode) SpendLimits {
	pick := func(a, b *float64) *float64 {
		if mode == OverlayRestrict {
			if a == nil {
				return b
			}
			if b == nil {
				return a
			}
			if *b < *a {
				return b
			}
			return a
		}
		// extend
		if a == nil || b == nil {
			return nil
		}
		if *b > *a {
			return b
		}
		return a
	}
	return SpendLimits{
		PerAction: pick(base.PerAction, patch.PerAction),
		Daily:     pick(base.Daily, patch.Daily),
		Weekly:    pick(base.Weekly, patch.Weekly),
		Monthly:   pick(base.Monthly, patch.Monthly),
	}
}

// applyCompetence folds earned trust and chronic failure into the
// behavior sets. Trusted records auto-allow their action type; denying
// records strip trust and forbid it outright.
func applyCompetence(res *Resolved, records []*competence.Record) {
	for _, rec := range records {
		if rec == nil {
			continue
		}
		switch {
		case rec.ShouldDeny:
			res.TrustBehaviors = removeString(res.TrustBehaviors, rec.ActionType)
			if !containsString(res.ForbiddenBehaviors, rec.ActionType) {
				res.ForbiddenBehaviors = append(res.ForbiddenBehaviors, rec.ActionType)
			}
		case rec.ShouldTrust:
			if !containsString(res.TrustBehaviors, rec.ActionType) {
				res.TrustBehaviors = append(res.TrustBehaviors, rec.ActionType)
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
