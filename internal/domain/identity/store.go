package identity

import (
	"context"
	"errors"

	"github.com/chaperone-dev/chaperone/internal/domain/competence"
)

// Store errors.
var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrSpecNotFound      = errors.New("identity spec not found")
)

// Store persists principals, identity specs, overlays, and delegation
// rules. Competence records live alongside because the resolver reads
// them in the same pass.
type Store interface {
	competence.Store

	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	SavePrincipal(ctx context.Context, p *Principal) error

	GetSpecByPrincipalID(ctx context.Context, principalID string) (*Spec, error)
	SaveSpec(ctx context.Context, spec *Spec) error

	ListOverlaysBySpecID(ctx context.Context, principalID string) ([]Overlay, error)

	SaveDelegationRule(ctx context.Context, rule *DelegationRule) error
	ListDelegationRules(ctx context.Context) ([]DelegationRule, error)
}
