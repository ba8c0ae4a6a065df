package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaperone-dev/chaperone/internal/domain/competence"
	"github.com/chaperone-dev/chaperone/internal/domain/identity"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// IdentityStore implements identity.Store (principals, specs, overlays,
// delegations, competence records) with maps.
type IdentityStore struct {
	mu          sync.RWMutex
	principals  map[string]*identity.Principal
	specs       map[string]*identity.Spec
	overlays    map[string][]identity.Overlay
	delegations []identity.DelegationRule
	competence  map[string]*competence.Record
}

var _ identity.Store = (*IdentityStore)(nil)

// NewIdentityStore creates an empty store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		principals: make(map[string]*identity.Principal),
		specs:      make(map[string]*identity.Spec),
		overlays:   make(map[string][]identity.Overlay),
		competence: make(map[string]*competence.Record),
	}
}

// GetPrincipal returns a copy of the principal.
func (s *IdentityStore) GetPrincipal(_ context.Context, id string) (*identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", identity.ErrPrincipalNotFound, id)
	}
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	return &cp, nil
}

// SavePrincipal creates or updates a principal.
func (s *IdentityStore) SavePrincipal(_ context.Context, p *identity.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	s.principals[p.ID] = &cp
	return nil
}

// GetSpecByPrincipalID returns a copy of the principal's spec.
func (s *IdentityStore) GetSpecByPrincipalID(_ context.Context, principalID string) (*identity.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[principalID]
	if !ok {
		return nil, fmt.Errorf("%w: principal %s", identity.ErrSpecNotFound, principalID)
	}
	return copySpec(spec), nil
}

// SaveSpec creates or updates a spec.
func (s *IdentityStore) SaveSpec(_ context.Context, spec *identity.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.PrincipalID] = copySpec(spec)
	return nil
}

// ListOverlaysBySpecID returns the overlays attached to a principal's
// spec.
func (s *IdentityStore) ListOverlaysBySpecID(_ context.Context, principalID string) ([]identity.Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]identity.Overlay(nil), s.overlays[principalID]...), nil
}

// SaveOverlay attaches an overlay to a spec, replacing any overlay with
// the same ID.
func (s *IdentityStore) SaveOverlay(_ context.Context, ov identity.Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.overlays[ov.SpecID]
	for i, existing := range list {
		if existing.ID == ov.ID {
			list[i] = ov
			return nil
		}
	}
	s.overlays[ov.SpecID] = append(list, ov)
	return nil
}

// SaveDelegationRule appends or replaces a delegation rule.
func (s *IdentityStore) SaveDelegationRule(_ context.Context, rule *identity.DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.delegations {
		if existing.ID == rule.ID {
			s.delegations[i] = *rule
			return nil
		}
	}
	s.delegations = append(s.delegations, *rule)
	return nil
}

// ListDelegationRules returns all delegation rules.
func (s *IdentityStore) ListDelegationRules(_ context.Context) ([]identity.DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]identity.DelegationRule(nil), s.delegations...), nil
}

// GetCompetenceRecord returns the record for one (principal, action
// type) pair, or nil when none exists.
func (s *IdentityStore) GetCompetenceRecord(_ context.Context, principalID, actionType string) (*competence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.competence[principalID+"|"+actionType]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// SaveCompetenceRecord creates or updates a record.
func (s *IdentityStore) SaveCompetenceRecord(_ context.Context, rec *competence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.competence[rec.PrincipalID+"|"+rec.ActionType] = &cp
	return nil
}

func copySpec(spec *identity.Spec) *identity.Spec {
	cp := *spec
	if spec.RiskTolerance != nil {
		cp.RiskTolerance = make(map[risk.Category]identity.ApprovalLevel, len(spec.RiskTolerance))
		for k, v := range spec.RiskTolerance {
			cp.RiskTolerance[k] = v
		}
	}
	if spec.CartridgeSpendLimits != nil {
		cp.CartridgeSpendLimits = make(map[string]identity.SpendLimits, len(spec.CartridgeSpendLimits))
		for k, v := range spec.CartridgeSpendLimits {
			cp.CartridgeSpendLimits[k] = v
		}
	}
	cp.ForbiddenBehaviors = append([]string(nil), spec.ForbiddenBehaviors...)
	cp.TrustBehaviors = append([]string(nil), spec.TrustBehaviors...)
	cp.DelegatedApprovers = append([]string(nil), spec.DelegatedApprovers...)
	return &cp
}
