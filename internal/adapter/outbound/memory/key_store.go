package memory

import (
	"context"
	"sync"

	"github.com/chaperone-dev/chaperone/internal/domain/auth"
)

// KeyStore implements auth.KeyStore with a slice.
type KeyStore struct {
	mu   sync.RWMutex
	keys []*auth.ApproverKey
}

var _ auth.KeyStore = (*KeyStore)(nil)

// NewKeyStore creates an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

// SaveKey appends or replaces a key by ID.
func (s *KeyStore) SaveKey(_ context.Context, key *auth.ApproverKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	for i, existing := range s.keys {
		if existing.ID == key.ID {
			s.keys[i] = &cp
			return nil
		}
	}
	s.keys = append(s.keys, &cp)
	return nil
}

// ListKeys returns copies of every key.
func (s *KeyStore) ListKeys(_ context.Context) ([]*auth.ApproverKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.ApproverKey, len(s.keys))
	for i, k := range s.keys {
		cp := *k
		out[i] = &cp
	}
	return out, nil
}
