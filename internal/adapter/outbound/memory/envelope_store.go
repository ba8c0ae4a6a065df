// Package memory holds the in-memory store implementations. They are
// thread-safe and return copies so callers cannot mutate stored state;
// they back tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaperone-dev/chaperone/internal/domain/envelope"
)

// EnvelopeStore implements envelope.Store with a map.
type EnvelopeStore struct {
	mu        sync.RWMutex
	envelopes map[string]*envelope.Envelope
	// order preserves insertion order for List.
	order []string
}

var _ envelope.Store = (*EnvelopeStore)(nil)

// NewEnvelopeStore creates an empty store.
func NewEnvelopeStore() *EnvelopeStore {
	return &EnvelopeStore{envelopes: make(map[string]*envelope.Envelope)}
}

// SaveEnvelope stores a new envelope.
func (s *EnvelopeStore) SaveEnvelope(_ context.Context, e *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envelopes[e.ID]; exists {
		return fmt.Errorf("envelope %s already exists", e.ID)
	}
	s.envelopes[e.ID] = copyEnvelope(e)
	s.order = append(s.order, e.ID)
	return nil
}

// UpdateEnvelope replaces an existing envelope.
func (s *EnvelopeStore) UpdateEnvelope(_ context.Context, e *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envelopes[e.ID]; !exists {
		return fmt.Errorf("%w: %s", envelope.ErrNotFound, e.ID)
	}
	s.envelopes[e.ID] = copyEnvelope(e)
	return nil
}

// GetEnvelope returns a copy of the envelope.
func (s *EnvelopeStore) GetEnvelope(_ context.Context, id string) (*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", envelope.ErrNotFound, id)
	}
	return copyEnvelope(e), nil
}

// ListEnvelopes returns matching envelopes in insertion order.
func (s *EnvelopeStore) ListEnvelopes(_ context.Context, f envelope.Filter) ([]*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*envelope.Envelope
	for _, id := range s.order {
		e := s.envelopes[id]
		if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
			continue
		}
		if f.CartridgeID != "" && e.CartridgeID != f.CartridgeID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, copyEnvelope(e))
	}
	return out, nil
}

func copyEnvelope(e *envelope.Envelope) *envelope.Envelope {
	cp := *e
	cp.Proposals = append([]envelope.Proposal(nil), e.Proposals...)
	cp.ResolvedEntities = append([]envelope.ResolvedEntity(nil), e.ResolvedEntities...)
	cp.Traces = append(cp.Traces[:0:0], e.Traces...)
	cp.ApprovalIDs = append([]string(nil), e.ApprovalIDs...)
	cp.Executions = append(cp.Executions[:0:0], e.Executions...)
	cp.AuditEntryIDs = append([]string(nil), e.AuditEntryIDs...)
	return &cp
}
