package approval

import (
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/identity"
)

// Default expiry windows by approval level.
const (
	DefaultMandatoryExpiry = 4 * time.Hour
	DefaultElevatedExpiry  = 12 * time.Hour
	DefaultStandardExpiry  = 24 * time.Hour
)

// RoutingConfig decides who approves and how long a request lives.
type RoutingConfig struct {
	ApproverIDs        []string        `json:"approverIds" yaml:"approverIds"`
	FallbackID         string          `json:"fallbackId,omitempty" yaml:"fallbackId,omitempty"`
	DenyWhenNoApprovers bool           `json:"denyWhenNoApprovers" yaml:"denyWhenNoApprovers"`
	ExpiredBehavior    ExpiredBehavior `json:"expiredBehavior,omitempty" yaml:"expiredBehavior,omitempty"`
	// Optional per-level overrides; zero means the default window.
	MandatoryExpiry time.Duration `json:"mandatoryExpiry,omitempty" yaml:"mandatoryExpiry,omitempty"`
	ElevatedExpiry  time.Duration `json:"elevatedExpiry,omitempty" yaml:"elevatedExpiry,omitempty"`
	StandardExpiry  time.Duration `json:"standardExpiry,omitempty" yaml:"standardExpiry,omitempty"`
}

// Routing is the outcome of routing one approval requirement.
type Routing struct {
	ApproverIDs     []string
	FallbackID      string
	Expiry          time.Duration
	ExpiredBehavior ExpiredBehavior
	// Deny is set when no approver exists and the config says to fail
	// closed rather than leave an unanswerable request.
	Deny bool
}

// Route maps an approval level to approvers and an expiry window.
func Route(cfg RoutingConfig, level identity.ApprovalLevel) Routing {
	r := Routing{
		ApproverIDs:     append([]string(nil), cfg.ApproverIDs...),
		FallbackID:      cfg.FallbackID,
		ExpiredBehavior: cfg.ExpiredBehavior,
	}
	if r.ExpiredBehavior == "" {
		r.ExpiredBehavior = ExpiredDeny
	}

	switch level {
	case identity.ApprovalMandatory:
		r.Expiry = orDefault(cfg.MandatoryExpiry, DefaultMandatoryExpiry)
	case identity.ApprovalElevated:
		r.Expiry = orDefault(cfg.ElevatedExpiry, DefaultElevatedExpiry)
	default:
		r.Expiry = orDefault(cfg.StandardExpiry, DefaultStandardExpiry)
	}

	if cfg.DenyWhenNoApprovers && len(r.ApproverIDs) == 0 && r.FallbackID == "" {
		r.Deny = true
	}
	return r
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
