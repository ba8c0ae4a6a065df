// Package cartridge defines the plugin contract for external
// integrations. The core treats every cartridge-specific field as an
// opaque bag; only the declared capability surface is decoded.
package cartridge

import (
	"context"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// Context is the call context passed to every cartridge capability.
type Context struct {
	PrincipalID    string
	OrganizationID string
	EnvelopeID     string
	ActionID       string
	Metadata       map[string]any
}

// PartialFailure records one sub-step of an execution that failed while
// others succeeded.
type PartialFailure struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// UndoRecipe is what a cartridge hands back so a later undo can be
// proposed and re-evaluated like any other action.
type UndoRecipe struct {
	OriginalActionID     string         `json:"originalActionId"`
	OriginalEnvelopeID   string         `json:"originalEnvelopeId"`
	ReverseActionType    string         `json:"reverseActionType"`
	ReverseParameters    map[string]any `json:"reverseParameters"`
	UndoExpiresAt        time.Time      `json:"undoExpiresAt"`
	UndoRiskCategory     risk.Category  `json:"undoRiskCategory,omitempty"`
	UndoApprovalRequired bool           `json:"undoApprovalRequired"`
}

// ExecuteResult is the outcome of one execution attempt.
type ExecuteResult struct {
	Success           bool             `json:"success"`
	Summary           string           `json:"summary"`
	ExternalRefs      []string         `json:"externalRefs,omitempty"`
	RollbackAvailable bool             `json:"rollbackAvailable"`
	PartialFailures   []PartialFailure `json:"partialFailures,omitempty"`
	Duration          time.Duration    `json:"duration"`
	UndoRecipe        *UndoRecipe      `json:"undoRecipe,omitempty"`
}

// ResolutionStatus is the outcome of one entity lookup.
type ResolutionStatus string

const (
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
	ResolutionNotFound  ResolutionStatus = "not_found"
)

// Alternative is one candidate for an ambiguous reference.
type Alternative struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Resolution is what an entity-resolving cartridge returns for one
// input reference.
type Resolution struct {
	Status       ResolutionStatus `json:"status"`
	ResolvedID   string           `json:"resolvedId,omitempty"`
	ResolvedName string           `json:"resolvedName,omitempty"`
	Confidence   float64          `json:"confidence,omitempty"`
	Alternatives []Alternative    `json:"alternatives,omitempty"`
}

// Health reports whether a cartridge is usable and what it can do.
type Health struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Cartridge is the required capability surface of an integration.
type Cartridge interface {
	// ID returns the stable cartridge identifier (e.g. "ads-spend").
	ID() string
	// Initialize performs one-time setup such as provider clients.
	Initialize(ctx context.Context, cctx Context) error
	// RiskInput reports the risk profile of one action.
	RiskInput(ctx context.Context, actionType string, parameters map[string]any, cctx Context) (risk.Input, error)
	// Guardrails declares the limits the core enforces for this
	// cartridge's actions.
	Guardrails() guardrail.Guardrails
	// EnrichContext returns extra metadata for evaluation. Read-only;
	// callers treat an error as worst-case defaults.
	EnrichContext(ctx context.Context, actionType string, parameters map[string]any, cctx Context) (map[string]any, error)
	// Execute performs the action.
	Execute(ctx context.Context, actionType string, parameters map[string]any, cctx Context) (ExecuteResult, error)
	// HealthCheck reports liveness and declared capabilities.
	HealthCheck(ctx context.Context) Health
}

// EntityResolver is the optional entity-resolution capability. Presence
// is detected by interface assertion on the cartridge value.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, inputRef, entityType string, cctx Context) (Resolution, error)
}

// SnapshotCapturer is the optional pre-execution snapshot capability
// used for undo state.
type SnapshotCapturer interface {
	CaptureSnapshot(ctx context.Context, actionType string, parameters map[string]any, cctx Context) (map[string]any, error)
}
