// Package identity contains principals, governance identity specs, role
// overlays, and the resolver that merges them into an effective identity.
package identity

import (
	"strings"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/risk"
	"github.com/chaperone-dev/chaperone/internal/domain/rule"
)

// PrincipalType distinguishes who (or what) an identity belongs to.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalAgent  PrincipalType = "agent"
	PrincipalSystem PrincipalType = "system"
)

// Principal is a user, agent, or system identity. Persisted by the admin
// surface; read-only to the governance core.
type Principal struct {
	ID             string        `json:"id" yaml:"id"`
	Type           PrincipalType `json:"type" yaml:"type"`
	DisplayName    string        `json:"displayName" yaml:"displayName"`
	OrganizationID string        `json:"organizationId,omitempty" yaml:"organizationId,omitempty"`
	Roles          []string      `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ApprovalLevel is the human-approval requirement attached to a risk
// category. Levels form a total order: none < standard < elevated <
// mandatory.
type ApprovalLevel string

const (
	ApprovalNone      ApprovalLevel = "none"
	ApprovalStandard  ApprovalLevel = "standard"
	ApprovalElevated  ApprovalLevel = "elevated"
	ApprovalMandatory ApprovalLevel = "mandatory"
)

func levelRank(l ApprovalLevel) int {
	switch l {
	case ApprovalStandard:
		return 1
	case ApprovalElevated:
		return 2
	case ApprovalMandatory:
		return 3
	default:
		return 0
	}
}

// MaxLevel returns the more restrictive of two approval levels.
func MaxLevel(a, b ApprovalLevel) ApprovalLevel {
	if levelRank(a) >= levelRank(b) {
		return a
	}
	return b
}

// MinLevel returns the less restrictive of two approval levels.
func MinLevel(a, b ApprovalLevel) ApprovalLevel {
	if levelRank(a) <= levelRank(b) {
		return a
	}
	return b
}

// RaiseLevel returns the level one step more restrictive, saturating at
// mandatory.
func RaiseLevel(l ApprovalLevel) ApprovalLevel {
	switch l {
	case ApprovalNone:
		return ApprovalStandard
	case ApprovalStandard:
		return ApprovalElevated
	default:
		return ApprovalMandatory
	}
}

// GovernanceProfile is a named baseline for the tolerance matrix.
type GovernanceProfile string

const (
	ProfileObserve GovernanceProfile = "observe"
	ProfileGuarded GovernanceProfile = "guarded"
	ProfileStrict  GovernanceProfile = "strict"
	ProfileLocked  GovernanceProfile = "locked"
)

// SpendLimits are monetary caps; nil means unlimited.
type SpendLimits struct {
	PerAction *float64 `json:"perAction,omitempty" yaml:"perAction,omitempty"`
	Daily     *float64 `json:"daily,omitempty" yaml:"daily,omitempty"`
	Weekly    *float64 `json:"weekly,omitempty" yaml:"weekly,omitempty"`
	Monthly   *float64 `json:"monthly,omitempty" yaml:"monthly,omitempty"`
}

// Spec is the governance policy attached to a principal.
type Spec struct {
	PrincipalID string `json:"principalId" yaml:"principalId"`
	// RiskTolerance maps each risk category to a required approval level.
	RiskTolerance map[risk.Category]ApprovalLevel `json:"riskTolerance,omitempty" yaml:"riskTolerance,omitempty"`
	SpendLimits   SpendLimits                     `json:"spendLimits,omitempty" yaml:"spendLimits,omitempty"`
	// CartridgeSpendLimits override SpendLimits for a specific cartridge.
	CartridgeSpendLimits map[string]SpendLimits `json:"cartridgeSpendLimits,omitempty" yaml:"cartridgeSpendLimits,omitempty"`
	// ForbiddenBehaviors are action-type patterns always denied.
	ForbiddenBehaviors []string `json:"forbiddenBehaviors,omitempty" yaml:"forbiddenBehaviors,omitempty"`
	// TrustBehaviors are action-type patterns auto-allowed.
	TrustBehaviors     []string          `json:"trustBehaviors,omitempty" yaml:"trustBehaviors,omitempty"`
	DelegatedApprovers []string          `json:"delegatedApprovers,omitempty" yaml:"delegatedApprovers,omitempty"`
	Profile            GovernanceProfile `json:"profile,omitempty" yaml:"profile,omitempty"`
	CreatedAt          time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt" yaml:"updatedAt"`
}

// OverlayMode decides how an overlay combines with the base spec.
type OverlayMode string

const (
	// OverlayRestrict tightens: the more restrictive value wins.
	OverlayRestrict OverlayMode = "restrict"
	// OverlayExtend loosens: the less restrictive value wins.
	OverlayExtend OverlayMode = "extend"
)

// TimeWindow is a recurring activation window.
type TimeWindow struct {
	// Days of week the window covers; empty means every day.
	Days []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"`
	// StartHour and EndHour bound the window, [start, end) in the given
	// timezone. An EndHour of 0 with StartHour 0 means the whole day.
	StartHour int    `json:"startHour" yaml:"startHour"`
	EndHour   int    `json:"endHour" yaml:"endHour"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			if local.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if w.StartHour == 0 && w.EndHour == 0 {
		return true
	}
	h := local.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Window wraps midnight.
	return h >= w.StartHour || h < w.EndHour
}

// ActivationConditions gate when an overlay applies.
type ActivationConditions struct {
	TimeWindows []TimeWindow `json:"timeWindows,omitempty" yaml:"timeWindows,omitempty"`
	// Cartridges restricts the overlay to these cartridge IDs; empty
	// means any cartridge.
	Cartridges []string `json:"cartridges,omitempty" yaml:"cartridges,omitempty"`
	// Metadata is an arbitrary predicate over the activation metadata.
	Metadata *rule.Rule `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// OverlayPatch is the partial override an overlay carries.
type OverlayPatch struct {
	RiskTolerance                map[risk.Category]ApprovalLevel `json:"riskTolerance,omitempty" yaml:"riskTolerance,omitempty"`
	AdditionalForbiddenBehaviors []string                        `json:"additionalForbiddenBehaviors,omitempty" yaml:"additionalForbiddenBehaviors,omitempty"`
	RemoveTrustBehaviors         []string                        `json:"removeTrustBehaviors,omitempty" yaml:"removeTrustBehaviors,omitempty"`
	SpendLimits                  *SpendLimits                    `json:"spendLimits,omitempty" yaml:"spendLimits,omitempty"`
}

// Overlay is a conditional modifier of a Spec, selected at evaluation
// time. Lower priority applies earlier.
type Overlay struct {
	ID         string               `json:"id" yaml:"id"`
	SpecID     string               `json:"specId" yaml:"specId"`
	Mode       OverlayMode          `json:"mode" yaml:"mode"`
	Priority   int                  `json:"priority" yaml:"priority"`
	Active     bool                 `json:"active" yaml:"active"`
	Conditions ActivationConditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Patch      OverlayPatch         `json:"patch" yaml:"patch"`
}

// ActivationContext is what overlay conditions are checked against.
type ActivationContext struct {
	CartridgeID string
	Now         time.Time
	Metadata    map[string]any
}

// DelegationRule grants approval authority from a grantor to a grantee
// for a scope of action types.
type DelegationRule struct {
	ID      string `json:"id" yaml:"id"`
	Grantor string `json:"grantor" yaml:"grantor"`
	Grantee string `json:"grantee" yaml:"grantee"`
	// Scope is "*", an exact action type, or a "prefix.*" pattern.
	Scope         string     `json:"scope" yaml:"scope"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	MaxChainDepth int        `json:"maxChainDepth,omitempty" yaml:"maxChainDepth,omitempty"`
}

// Resolved is the computed effective identity: the spec with all active
// overlays and competence adjustments merged. Never persisted.
type Resolved struct {
	PrincipalID        string
	RiskTolerance      map[risk.Category]ApprovalLevel
	SpendLimits        SpendLimits
	ForbiddenBehaviors []string
	TrustBehaviors     []string
	DelegatedApprovers []string
	Profile            GovernanceProfile
	ActiveOverlays     []string
}

// ToleranceFor looks up the approval level for a category, defaulting to
// mandatory for unknown categories so gaps fail closed.
func (r Resolved) ToleranceFor(c risk.Category) ApprovalLevel {
	if l, ok := r.RiskTolerance[c]; ok {
		return l
	}
	return ApprovalMandatory
}

// MatchBehavior reports whether an action type matches any of the given
// behavior patterns. Patterns are "*", an exact action type, or a
// "prefix.*" form.
func MatchBehavior(patterns []string, actionType string) bool {
	for _, p := range patterns {
		if MatchPattern(p, actionType) {
			return true
		}
	}
	return false
}

// MatchPattern matches one behavior or delegation scope pattern.
func MatchPattern(pattern, actionType string) bool {
	if pattern == "*" || pattern == actionType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(actionType, prefix+".")
	}
	return false
}
