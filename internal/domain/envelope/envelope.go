// Package envelope contains the action envelope, the unit of lifecycle
// that carries proposals from intake through decision, approval, and
// execution.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/cartridge"
	"github.com/chaperone-dev/chaperone/internal/domain/policy"
)

// Hidden parameter keys stamped into proposals for later stages.
const (
	ParamPrincipalID = "_principalId"
	ParamCartridgeID = "_cartridgeId"
	ParamEnvelopeID  = "_envelopeId"
	ParamActionID    = "_actionId"
)

// Store and transition errors.
var (
	ErrNotFound          = errors.New("envelope not found")
	ErrInvalidTransition = errors.New("invalid envelope status transition")
)

// Status of an envelope in its lifecycle.
type Status string

const (
	StatusProposed        Status = "proposed"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusFailed          Status = "failed"
	StatusDenied          Status = "denied"
	StatusExpired         Status = "expired"
)

// transitions is the lifecycle graph. Anything absent is an error.
var transitions = map[Status][]Status{
	StatusProposed:        {StatusDenied, StatusPendingApproval, StatusApproved},
	StatusPendingApproval: {StatusApproved, StatusDenied, StatusExpired},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PlanStrategy controls how a multi-proposal plan executes.
type PlanStrategy string

const (
	PlanAtomic     PlanStrategy = "atomic"
	PlanBestEffort PlanStrategy = "best_effort"
	PlanSequential PlanStrategy = "sequential"
)

// ApprovalMode controls how a plan is approved.
type ApprovalMode string

const (
	ApprovePerAction ApprovalMode = "per_action"
	ApprovePerPlan   ApprovalMode = "per_plan"
)

// Plan groups proposals under one strategy.
type Plan struct {
	Strategy     PlanStrategy `json:"strategy"`
	ApprovalMode ApprovalMode `json:"approvalMode"`
}

// Proposal is one atomic intended action.
type Proposal struct {
	ID         string         `json:"id"`
	ActionType string         `json:"actionType"`
	Parameters map[string]any `json:"parameters"`
	Evidence   string         `json:"evidence,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	MessageID  string         `json:"messageId,omitempty"`
}

// PrincipalID returns the hidden principal stamp, if present.
func (p Proposal) PrincipalID() string {
	v, _ := p.Parameters[ParamPrincipalID].(string)
	return v
}

// CartridgeID returns the hidden cartridge stamp, if present.
func (p Proposal) CartridgeID() string {
	v, _ := p.Parameters[ParamCartridgeID].(string)
	return v
}

// ResolvedEntity records one entity reference resolution on the
// envelope.
type ResolvedEntity struct {
	InputRef   string `json:"inputRef"`
	EntityType string `json:"entityType"`
	ResolvedID string `json:"resolvedId"`
	Name       string `json:"name,omitempty"`
}

// ExecutionRecord pairs an execution result with the proposal it ran.
type ExecutionRecord struct {
	ActionID   string                  `json:"actionId"`
	Result     cartridge.ExecuteResult `json:"result"`
	ExecutedAt time.Time               `json:"executedAt"`
}

// Envelope is the unit of lifecycle. Version starts at 1 and is bumped
// on any mutation of proposals; every binding hash commits to it.
type Envelope struct {
	ID               string                 `json:"id"`
	Version          int                    `json:"version"`
	OriginalMessage  string                 `json:"originalMessage,omitempty"`
	ConversationID   string                 `json:"conversationId,omitempty"`
	PrincipalID      string                 `json:"principalId"`
	CartridgeID      string                 `json:"cartridgeId"`
	OrganizationID   string                 `json:"organizationId,omitempty"`
	Proposals        []Proposal             `json:"proposals"`
	ResolvedEntities []ResolvedEntity       `json:"resolvedEntities,omitempty"`
	Plan             *Plan                  `json:"plan,omitempty"`
	Traces           []policy.DecisionTrace `json:"traces,omitempty"`
	ApprovalIDs      []string               `json:"approvalIds,omitempty"`
	Executions       []ExecutionRecord      `json:"executions,omitempty"`
	AuditEntryIDs    []string               `json:"auditEntryIds,omitempty"`
	Status           Status                 `json:"status"`
	ParentEnvelopeID string                 `json:"parentEnvelopeId,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// Transition moves the envelope along the lifecycle graph.
func (e *Envelope) Transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// MutateProposals replaces the proposal list and bumps the version so
// outstanding binding hashes go stale.
func (e *Envelope) MutateProposals(proposals []Proposal, now time.Time) {
	e.Proposals = proposals
	e.Version++
	e.UpdatedAt = now
}

// LatestTrace returns the most recent decision trace, or nil.
func (e *Envelope) LatestTrace() *policy.DecisionTrace {
	if len(e.Traces) == 0 {
		return nil
	}
	return &e.Traces[len(e.Traces)-1]
}

// Filter selects envelopes in List.
type Filter struct {
	PrincipalID string
	CartridgeID string
	Status      Status
	// Since keeps envelopes created at or after this instant.
	Since time.Time
}

// Store persists envelopes.
type Store interface {
	SaveEnvelope(ctx context.Context, e *Envelope) error
	UpdateEnvelope(ctx context.Context, e *Envelope) error
	GetEnvelope(ctx context.Context, id string) (*Envelope, error)
	ListEnvelopes(ctx context.Context, f Filter) ([]*Envelope, error)
}
