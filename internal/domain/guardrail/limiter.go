package guardrail

import (
	"context"
	"time"
)

// LimitResult reports one proposal admission decision.
type LimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// ProposalLimiter bounds how fast one principal may submit proposals at
// the orchestrator boundary, independent of cartridge guardrails.
type ProposalLimiter interface {
	Allow(ctx context.Context, principalID string) LimitResult
}
