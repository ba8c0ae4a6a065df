package guardrail

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeStore is a map-backed StateStore for tests.
type fakeStore struct {
	mu        sync.Mutex
	rates     map[string]Counter
	cooldowns map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{rates: make(map[string]Counter), cooldowns: make(map[string]time.Time)}
}

func (f *fakeStore) GetRateLimits(_ context.Context, keys []string) (map[string]Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Counter)
	for _, k := range keys {
		if c, ok := f.rates[k]; ok {
			out[k] = c
		}
	}
	return out, nil
}

func (f *fakeStore) GetCooldowns(_ context.Context, keys []string) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time)
	for _, k := range keys {
		if ts, ok := f.cooldowns[k]; ok {
			out[k] = ts
		}
	}
	return out, nil
}

func (f *fakeStore) SetRateLimit(_ context.Context, key string, c Counter, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[key] = c
	return nil
}

func (f *fakeStore) SetCooldown(_ context.Context, key string, ts time.Time, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[key] = ts
	return nil
}

func testGuardrails() Guardrails {
	return Guardrails{
		RateLimits: []RateLimit{{Scope: "user", ActionType: "*", MaxActions: 2, Window: time.Minute}},
		Cooldowns:  []Cooldown{{ActionType: "ads.campaign.pause", Scope: "user", Cooldown: 30 * time.Second}},
	}
}

func TestKeys(t *testing.T) {
	rateKeys, cdKeys := Keys(testGuardrails(), "ads.campaign.pause", "c1")
	if len(rateKeys) != 1 || rateKeys[0] != "user:ads.campaign.pause" {
		t.Errorf("rate keys = %v", rateKeys)
	}
	if len(cdKeys) != 1 || cdKeys[0] != "user:c1" {
		t.Errorf("cooldown keys = %v", cdKeys)
	}
}

func TestKeys_GlobalScope(t *testing.T) {
	g := Guardrails{RateLimits: []RateLimit{{Scope: ScopeGlobal, MaxActions: 10, Window: time.Minute}}}
	rateKeys, _ := Keys(g, "anything", "")
	if len(rateKeys) != 1 || rateKeys[0] != ScopeGlobal {
		t.Errorf("global rate key = %v", rateKeys)
	}
}

func TestKeys_CooldownActionTypeFilter(t *testing.T) {
	_, cdKeys := Keys(testGuardrails(), "ads.campaign.resume", "c1")
	if len(cdKeys) != 0 {
		t.Errorf("cooldown for non-matching action type = %v", cdKeys)
	}
}

func TestHydrate_LoadsExistingState(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.rates["user:ads.campaign.pause"] = Counter{Count: 2, WindowStart: now}
	store.cooldowns["user:c1"] = now

	s, err := Hydrate(context.Background(), store, testGuardrails(), "ads.campaign.pause", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := s.RateCounters["user:ads.campaign.pause"]; c.Count != 2 {
		t.Errorf("hydrated count = %d, want 2", c.Count)
	}
	if _, ok := s.CooldownStamps["user:c1"]; !ok {
		t.Error("cooldown stamp not hydrated")
	}
}

func TestApply_IncrementsAndStamps(t *testing.T) {
	s := NewState()
	now := time.Now().UTC()

	s.Apply(testGuardrails(), "ads.campaign.pause", "c1", now)
	s.Apply(testGuardrails(), "ads.campaign.pause", "c1", now.Add(time.Second))

	c := s.RateCounters["user:ads.campaign.pause"]
	if c.Count != 2 {
		t.Errorf("count = %d, want 2", c.Count)
	}
	if ts := s.CooldownStamps["user:c1"]; !ts.Equal(now.Add(time.Second)) {
		t.Errorf("cooldown stamp = %v, want latest apply time", ts)
	}
}

func TestApply_WindowResetAfterExpiry(t *testing.T) {
	s := NewState()
	now := time.Now().UTC()

	s.Apply(testGuardrails(), "ads.campaign.pause", "c1", now)
	s.Apply(testGuardrails(), "ads.campaign.pause", "c1", now.Add(2*time.Minute))

	c := s.RateCounters["user:ads.campaign.pause"]
	if c.Count != 1 {
		t.Errorf("count after window lapse = %d, want 1", c.Count)
	}
	if !c.WindowStart.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("window start = %v, want restarted", c.WindowStart)
	}
}

func TestFlush_WritesBack(t *testing.T) {
	store := newFakeStore()
	s := NewState()
	now := time.Now().UTC()
	s.Apply(testGuardrails(), "ads.campaign.pause", "c1", now)

	if err := Flush(context.Background(), store, s, testGuardrails()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c := store.rates["user:ads.campaign.pause"]; c.Count != 1 {
		t.Errorf("flushed count = %d, want 1", c.Count)
	}
	if _, ok := store.cooldowns["user:c1"]; !ok {
		t.Error("cooldown not flushed")
	}
}
