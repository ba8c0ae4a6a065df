// Package redisstate backs the guardrail state store with Redis so
// counters and cooldown stamps survive process restarts and are shared
// across instances.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
)

const (
	ratePrefix     = "chaperone:rl:"
	cooldownPrefix = "chaperone:cd:"
)

// Store implements guardrail.StateStore over a Redis client.
type Store struct {
	client redis.UniversalClient
}

var _ guardrail.StateStore = (*Store)(nil)

// New wraps a Redis client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// GetRateLimits fetches counters for the given keys in one MGET.
func (s *Store) GetRateLimits(ctx context.Context, keys []string) (map[string]guardrail.Counter, error) {
	if len(keys) == 0 {
		return map[string]guardrail.Counter{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = ratePrefix + k
	}

	vals, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget rate limits: %w", err)
	}

	out := make(map[string]guardrail.Counter, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var c guardrail.Counter
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode counter %s: %w", keys[i], err)
		}
		out[keys[i]] = c
	}
	return out, nil
}

// GetCooldowns fetches stamps for the given keys in one MGET.
func (s *Store) GetCooldowns(ctx context.Context, keys []string) (map[string]time.Time, error) {
	if len(keys) == 0 {
		return map[string]time.Time{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = cooldownPrefix + k
	}

	vals, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget cooldowns: %w", err)
	}

	out := make(map[string]time.Time, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decode cooldown %s: %w", keys[i], err)
		}
		out[keys[i]] = ts
	}
	return out, nil
}

// SetRateLimit stores one counter with a TTL.
func (s *Store) SetRateLimit(ctx context.Context, key string, c guardrail.Counter, ttl time.Duration) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode counter %s: %w", key, err)
	}
	if err := s.client.Set(ctx, ratePrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set rate limit %s: %w", key, err)
	}
	return nil
}

// SetCooldown stores one stamp with a TTL.
func (s *Store) SetCooldown(ctx context.Context, key string, ts time.Time, ttl time.Duration) error {
	if err := s.client.Set(ctx, cooldownPrefix+key, ts.UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", key, err)
	}
	return nil
}
