package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/chaperone-dev/chaperone/internal/domain/policy"
)

// ErrPolicyNotFound is returned when a policy ID is unknown.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicyStore implements policy.Store with a map.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
	order    []string
}

var _ policy.Store = (*PolicyStore)(nil)

// NewPolicyStore creates an empty store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*policy.Policy)}
}

// SavePolicy creates or updates a policy.
func (s *PolicyStore) SavePolicy(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.ID]; !exists {
		s.order = append(s.order, p.ID)
	}
	s.policies[p.ID] = copyPolicy(p)
	return nil
}

// GetPolicy returns a copy of the policy.
func (s *PolicyStore) GetPolicy(_ context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return copyPolicy(p), nil
}

// ListActivePolicies returns active policies for a cartridge (or
// cartridge-agnostic ones) in insertion order.
func (s *PolicyStore) ListActivePolicies(_ context.Context, cartridgeID string) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.Policy
	for _, id := range s.order {
		p := s.policies[id]
		if !p.Active {
			continue
		}
		if p.CartridgeID != "" && p.CartridgeID != cartridgeID {
			continue
		}
		out = append(out, *copyPolicy(p))
	}
	return out, nil
}

func copyPolicy(p *policy.Policy) *policy.Policy {
	cp := *p
	if p.Patch != nil {
		cp.Patch = make(map[string]any, len(p.Patch))
		for k, v := range p.Patch {
			cp.Patch[k] = v
		}
	}
	return &cp
}
