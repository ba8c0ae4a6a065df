package guardrail

import (
	"context"
	"fmt"
	"time"
)

// StateStore is the shared source of truth for guardrail counters. The
// orchestrator hydrates before evaluation and flushes after a successful
// execution; the in-process State is only a cache over this store.
type StateStore interface {
	GetRateLimits(ctx context.Context, keys []string) (map[string]Counter, error)
	GetCooldowns(ctx context.Context, keys []string) (map[string]time.Time, error)
	SetRateLimit(ctx context.Context, key string, c Counter, ttl time.Duration) error
	SetCooldown(ctx context.Context, key string, ts time.Time, ttl time.Duration) error
}

// State is the process-local guardrail cache for one evaluation.
type State struct {
	RateCounters   map[string]Counter   `json:"rateCounters"`
	CooldownStamps map[string]time.Time `json:"cooldownStamps"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		RateCounters:   make(map[string]Counter),
		CooldownStamps: make(map[string]time.Time),
	}
}

// Keys returns the state keys the given guardrails can touch for one
// action, so hydration only reads what the evaluation needs.
func Keys(g Guardrails, actionType, entityID string) (rateKeys, cooldownKeys []string) {
	for _, rl := range g.RateLimits {
		rateKeys = append(rateKeys, RateKey(rl.Scope, actionType))
	}
	if entityID != "" {
		for _, cd := range g.Cooldowns {
			if cd.ActionType == "*" || cd.ActionType == actionType {
				cooldownKeys = append(cooldownKeys, CooldownKey(cd.Scope, entityID))
			}
		}
	}
	return rateKeys, cooldownKeys
}

// Hydrate loads the relevant counters and stamps from the store.
func Hydrate(ctx context.Context, store StateStore, g Guardrails, actionType, entityID string) (*State, error) {
	s := NewState()
	rateKeys, cooldownKeys := Keys(g, actionType, entityID)

	if len(rateKeys) > 0 {
		counters, err := store.GetRateLimits(ctx, rateKeys)
		if err != nil {
			return nil, fmt.Errorf("hydrate rate limits: %w", err)
		}
		for k, v := range counters {
			s.RateCounters[k] = v
		}
	}

	if len(cooldownKeys) > 0 {
		stamps, err := store.GetCooldowns(ctx, cooldownKeys)
		if err != nil {
			return nil, fmt.Errorf("hydrate cooldowns: %w", err)
		}
		for k, v := range stamps {
			s.CooldownStamps[k] = v
		}
	}

	return s, nil
}

// Apply mutates the state after a successful execution: counters are
// incremented (or restarted when their window lapsed) and cooldown stamps
// are set to now.
func (s *State) Apply(g Guardrails, actionType, entityID string, now time.Time) {
	for _, rl := range g.RateLimits {
		key := RateKey(rl.Scope, actionType)
		c := s.RateCounters[key]
		if c.WindowStart.IsZero() || now.Sub(c.WindowStart) >= rl.Window {
			c = Counter{Count: 0, WindowStart: now}
		}
		c.Count++
		s.RateCounters[key] = c
	}

	if entityID == "" {
		return
	}
	for _, cd := range g.Cooldowns {
		if cd.ActionType == "*" || cd.ActionType == actionType {
			s.CooldownStamps[CooldownKey(cd.Scope, entityID)] = now
		}
	}
}

// Flush writes the state back to the store. Rate counters get a TTL of
// twice the longest window; cooldown stamps twice the longest cooldown.
func Flush(ctx context.Context, store StateStore, s *State, g Guardrails) error {
	var rateTTL time.Duration
	for _, rl := range g.RateLimits {
		if 2*rl.Window > rateTTL {
			rateTTL = 2 * rl.Window
		}
	}
	for key, c := range s.RateCounters {
		if err := store.SetRateLimit(ctx, key, c, rateTTL); err != nil {
			return fmt.Errorf("flush rate limit %s: %w", key, err)
		}
	}

	var cdTTL time.Duration
	for _, cd := range g.Cooldowns {
		if 2*cd.Cooldown > cdTTL {
			cdTTL = 2 * cd.Cooldown
		}
	}
	for key, ts := range s.CooldownStamps {
		if err := store.SetCooldown(ctx, key, ts, cdTTL); err != nil {
			return fmt.Errorf("flush cooldown %s: %w", key, err)
		}
	}

	return nil
}
