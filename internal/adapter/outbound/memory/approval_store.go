package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaperone-dev/chaperone/internal/domain/approval"
)

// ApprovalStore implements approval.Store with a map.
type ApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*approval.Request
}

var _ approval.Store = (*ApprovalStore)(nil)

// NewApprovalStore creates an empty store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{requests: make(map[string]*approval.Request)}
}

// SaveRequest creates or updates a request.
func (s *ApprovalStore) SaveRequest(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = copyRequest(req)
	return nil
}

// GetRequest returns a copy of the request.
func (s *ApprovalStore) GetRequest(_ context.Context, id string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return copyRequest(req), nil
}

// GetRequestByEnvelopeID returns the request raised for an envelope.
func (s *ApprovalStore) GetRequestByEnvelopeID(_ context.Context, envelopeID string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.EnvelopeID == envelopeID {
			return copyRequest(req), nil
		}
	}
	return nil, fmt.Errorf("%w: envelope %s", approval.ErrNotFound, envelopeID)
}

// ListPending returns all pending requests.
func (s *ApprovalStore) ListPending(_ context.Context) ([]*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*approval.Request
	for _, req := range s.requests {
		if req.Status == approval.StatusPending {
			out = append(out, copyRequest(req))
		}
	}
	return out, nil
}

func copyRequest(req *approval.Request) *approval.Request {
	cp := *req
	cp.ApproverIDs = append([]string(nil), req.ApproverIDs...)
	cp.Buttons = append([]approval.Button(nil), req.Buttons...)
	if req.Evidence != nil {
		cp.Evidence = make(map[string]any, len(req.Evidence))
		for k, v := range req.Evidence {
			cp.Evidence[k] = v
		}
	}
	if req.RespondedAt != nil {
		ts := *req.RespondedAt
		cp.RespondedAt = &ts
	}
	return &cp
}
