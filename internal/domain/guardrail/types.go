// Package guardrail contains the deterministic per-action limits: rate
// limits, cooldowns, and protected entities, plus the ephemeral state that
// backs them.
package guardrail

import (
	"fmt"
	"time"
)

// ScopeGlobal is the rate-limit scope that counts every action together.
const ScopeGlobal = "global"

// RateLimit caps the number of actions within a rolling window.
type RateLimit struct {
	// Scope partitions the counter (e.g. "user", "cartridge"). The scope
	// ScopeGlobal shares one counter across all action types.
	Scope string `json:"scope" yaml:"scope"`
	// ActionType restricts the limit to one action type; "*" covers all.
	ActionType string        `json:"actionType" yaml:"actionType"`
	MaxActions int           `json:"maxActions" yaml:"maxActions"`
	Window     time.Duration `json:"window" yaml:"window"`
}

// Cooldown enforces a minimum interval between actions on one entity.
type Cooldown struct {
	// ActionType the cooldown applies to; "*" covers all.
	ActionType string        `json:"actionType" yaml:"actionType"`
	Scope      string        `json:"scope" yaml:"scope"`
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
}

// ProtectedEntity marks an entity no action may touch.
type ProtectedEntity struct {
	EntityID string `json:"entityId" yaml:"entityId"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Guardrails is the set a cartridge declares for its actions.
type Guardrails struct {
	RateLimits        []RateLimit       `json:"rateLimits,omitempty" yaml:"rateLimits,omitempty"`
	Cooldowns         []Cooldown        `json:"cooldowns,omitempty" yaml:"cooldowns,omitempty"`
	ProtectedEntities []ProtectedEntity `json:"protectedEntities,omitempty" yaml:"protectedEntities,omitempty"`
}

// Counter is a windowed action count.
type Counter struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// RateKey builds the state key for a rate limit counter.
func RateKey(scope, actionType string) string {
	if scope == ScopeGlobal {
		return ScopeGlobal
	}
	return fmt.Sprintf("%s:%s", scope, actionType)
}

// CooldownKey builds the state key for an entity cooldown stamp.
func CooldownKey(scope, entityID string) string {
	return fmt.Sprintf("%s:%s", scope, entityID)
}
