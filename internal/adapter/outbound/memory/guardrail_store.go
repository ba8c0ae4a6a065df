package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
)

// GuardrailStateStore is the canonical in-memory guardrail.StateStore.
// Entries carry their TTL and are lazily deleted on read.
type GuardrailStateStore struct {
	mu        sync.Mutex
	rates     map[string]expiringCounter
	cooldowns map[string]expiringStamp

	// now is swappable for tests.
	now func() time.Time
}

type expiringCounter struct {
	counter   guardrail.Counter
	expiresAt time.Time
}

type expiringStamp struct {
	stamp     time.Time
	expiresAt time.Time
}

var _ guardrail.StateStore = (*GuardrailStateStore)(nil)

// NewGuardrailStateStore creates an empty store.
func NewGuardrailStateStore() *GuardrailStateStore {
	return &GuardrailStateStore{
		rates:     make(map[string]expiringCounter),
		cooldowns: make(map[string]expiringStamp),
		now:       time.Now,
	}
}

// GetRateLimits returns the live counters for the given keys.
func (s *GuardrailStateStore) GetRateLimits(_ context.Context, keys []string) (map[string]guardrail.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make(map[string]guardrail.Counter)
	for _, k := range keys {
		ec, ok := s.rates[k]
		if !ok {
			continue
		}
		if !ec.expiresAt.IsZero() && now.After(ec.expiresAt) {
			delete(s.rates, k)
			continue
		}
		out[k] = ec.counter
	}
	return out, nil
}

// GetCooldowns returns the live stamps for the given keys.
func (s *GuardrailStateStore) GetCooldowns(_ context.Context, keys []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make(map[string]time.Time)
	for _, k := range keys {
		es, ok := s.cooldowns[k]
		if !ok {
			continue
		}
		if !es.expiresAt.IsZero() && now.After(es.expiresAt) {
			delete(s.cooldowns, k)
			continue
		}
		out[k] = es.stamp
	}
	return out, nil
}

// SetRateLimit stores a counter with a TTL.
func (s *GuardrailStateStore) SetRateLimit(_ context.Context, key string, c guardrail.Counter, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.rates[key] = expiringCounter{counter: c, expiresAt: expiresAt}
	return nil
}

// SetCooldown stores a stamp with a TTL.
func (s *GuardrailStateStore) SetCooldown(_ context.Context, key string, ts time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.cooldowns[key] = expiringStamp{stamp: ts, expiresAt: expiresAt}
	return nil
}
