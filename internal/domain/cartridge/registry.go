package cartridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotRegistered is returned when no cartridge serves an ID or action
// type.
var ErrNotRegistered = errors.New("cartridge not registered")

// Registry holds the installed cartridges and maps action-type prefixes
// to them.
type Registry struct {
	mu         sync.RWMutex
	cartridges map[string]Cartridge
	// prefixes maps an action-type namespace (the first dotted segment)
	// to a cartridge ID, e.g. "ads" -> "ads-spend".
	prefixes map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cartridges: make(map[string]Cartridge),
		prefixes:   make(map[string]string),
	}
}

// Register installs a cartridge under its ID and claims an action-type
// prefix for inference. An empty prefix registers the ID only.
func (r *Registry) Register(c Cartridge, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	if _, exists := r.cartridges[id]; exists {
		return fmt.Errorf("cartridge %q already registered", id)
	}
	r.cartridges[id] = c

	if prefix != "" {
		if owner, taken := r.prefixes[prefix]; taken {
			return fmt.Errorf("prefix %q already claimed by %q", prefix, owner)
		}
		r.prefixes[prefix] = id
	}
	return nil
}

// Get returns the cartridge with the given ID.
func (r *Registry) Get(id string) (Cartridge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cartridges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return c, nil
}

// Infer maps an action type to a cartridge by its namespace prefix,
// e.g. "ads.campaign.pause" resolves through the "ads" prefix.
func (r *Registry) Infer(actionType string) (Cartridge, error) {
	ns, _, ok := strings.Cut(actionType, ".")
	if !ok {
		return nil, fmt.Errorf("%w: action type %q has no namespace", ErrNotRegistered, actionType)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.prefixes[ns]
	if !ok {
		return nil, fmt.Errorf("%w: no cartridge claims prefix %q", ErrNotRegistered, ns)
	}
	return r.cartridges[id], nil
}

// Resolve returns the cartridge for an explicit ID, falling back to
// prefix inference from the action type when the ID is empty.
func (r *Registry) Resolve(id, actionType string) (Cartridge, error) {
	if id != "" {
		return r.Get(id)
	}
	return r.Infer(actionType)
}

// IDs lists the registered cartridge IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cartridges))
	for id := range r.cartridges {
		ids = append(ids, id)
	}
	return ids
}
