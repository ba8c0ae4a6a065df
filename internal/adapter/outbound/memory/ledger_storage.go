package memory

import (
	"context"
	"sync"

	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
)

// LedgerStorage implements ledger.Storage with an append-only slice.
type LedgerStorage struct {
	mu      sync.RWMutex
	entries []*ledger.Entry
}

var _ ledger.Storage = (*LedgerStorage)(nil)

// NewLedgerStorage creates an empty storage.
func NewLedgerStorage() *LedgerStorage {
	return &LedgerStorage{}
}

// Append adds one entry.
func (s *LedgerStorage) Append(_ context.Context, e *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, copyEntry(e))
	return nil
}

// GetAll returns every entry in append order.
func (s *LedgerStorage) GetAll(_ context.Context) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ledger.Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = copyEntry(e)
	}
	return out, nil
}

// Query returns matching entries in append order.
func (s *LedgerStorage) Query(_ context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Entry
	for _, e := range s.entries {
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.EnvelopeID != "" && e.EnvelopeID != f.EnvelopeID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, copyEntry(e))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func copyEntry(e *ledger.Entry) *ledger.Entry {
	cp := *e
	if e.Snapshot != nil {
		cp.Snapshot = make(map[string]any, len(e.Snapshot))
		for k, v := range e.Snapshot {
			cp.Snapshot[k] = v
		}
	}
	cp.EvidencePointers = append([]string(nil), e.EvidencePointers...)
	return &cp
}
