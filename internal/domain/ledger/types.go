// Package ledger is the append-only, hash-chained audit log. Every
// governance decision and lifecycle transition lands here; the chain
// makes after-the-fact tampering detectable.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// Integrity errors are fatal: callers must stop and surface them.
var (
	ErrAppendFailed = errors.New("ledger append failed")
	ErrChainBroken  = errors.New("ledger chain broken")
)

// EventType is the closed set of auditable events.
type EventType string

const (
	EventActionProposed      EventType = "action.proposed"
	EventActionDenied        EventType = "action.denied"
	EventActionApproved      EventType = "action.approved"
	EventActionRejected      EventType = "action.rejected"
	EventActionPatched       EventType = "action.patched"
	EventActionExecuting     EventType = "action.executing"
	EventActionExecuted      EventType = "action.executed"
	EventActionFailed        EventType = "action.failed"
	EventActionExpired       EventType = "action.expired"
	EventActionUndoRequested EventType = "action.undo_requested"
	EventDelegationChain     EventType = "delegation.chain_resolved"
	EventCompetenceShift     EventType = "competence.transition"
)

// ActorType distinguishes who caused an event.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Entry is one immutable audit record. EntryHash covers every other
// field through canonical JSON; PreviousEntryHash chains entries in
// append order and is empty only for the first entry of a log.
type Entry struct {
	ID                string         `json:"id"`
	SchemaVersion     int            `json:"schemaVersion"`
	ChainHashVersion  int            `json:"chainHashVersion"`
	EventType         EventType      `json:"eventType"`
	ActorID           string         `json:"actorId"`
	ActorType         ActorType      `json:"actorType"`
	EntityID          string         `json:"entityId,omitempty"`
	EntityType        string         `json:"entityType,omitempty"`
	RiskCategory      risk.Category  `json:"riskCategory,omitempty"`
	Snapshot          map[string]any `json:"snapshot,omitempty"`
	EvidencePointers  []string       `json:"evidencePointers,omitempty"`
	Summary           string         `json:"summary"`
	PreviousEntryHash string         `json:"previousEntryHash,omitempty"`
	EntryHash         string         `json:"entryHash"`
	Timestamp         time.Time      `json:"timestamp"`
	EnvelopeID        string         `json:"envelopeId,omitempty"`
	OrganizationID    string         `json:"organizationId,omitempty"`
	RedactionApplied  bool           `json:"redactionApplied"`
}

// Filter selects entries in Query.
type Filter struct {
	EventType  EventType
	EnvelopeID string
	ActorID    string
	Since      time.Time
	Limit      int
}

// Storage is the persistence layer under the ledger. Append must be
// strictly serialized per log.
type Storage interface {
	Append(ctx context.Context, e *Entry) error
	GetAll(ctx context.Context) ([]*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, error)
}

// EvidenceStore persists large evidence blobs outside entries.
type EvidenceStore interface {
	Put(ctx context.Context, key string, blob []byte) (pointer string, err error)
	Get(ctx context.Context, pointer string) ([]byte, error)
}
