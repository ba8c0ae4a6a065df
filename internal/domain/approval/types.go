// Package approval contains the approval request state machine, the
// cryptographic binding that pins a request to the exact parameters it
// was raised for, routing, and delegation chains.
package approval

import (
	"errors"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// State machine and response errors.
var (
	ErrNotFound        = errors.New("approval request not found")
	ErrNotPending      = errors.New("approval request is not pending")
	ErrExpired         = errors.New("approval request has expired")
	ErrStaleBinding    = errors.New("stale approval: binding hash mismatch")
	ErrNotAuthorized   = errors.New("responder is not an authorized approver")
	ErrUnknownResponse = errors.New("unknown approval response")
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusPatched  Status = "patched"
	StatusExpired  Status = "expired"
)

// Response is what a responder can do to a pending request.
type Response string

const (
	ResponseApprove Response = "approve"
	ResponseReject  Response = "reject"
	ResponsePatch   Response = "patch"
)

// ExpiredBehavior decides what happens after a request lapses.
type ExpiredBehavior string

const (
	ExpiredDeny     ExpiredBehavior = "deny"
	ExpiredEscalate ExpiredBehavior = "escalate"
)

// Button is a suggested response action shown to approvers.
type Button struct {
	Label    string   `json:"label"`
	Response Response `json:"response"`
}

// Request is what approvers see. The binding hash pins the request to
// the envelope version and parameters it was raised for; any later
// mutation invalidates outstanding responses.
type Request struct {
	ID              string          `json:"id"`
	ActionID        string          `json:"actionId"`
	EnvelopeID      string          `json:"envelopeId"`
	Summary         string          `json:"summary"`
	RiskCategory    risk.Category   `json:"riskCategory"`
	BindingHash     string          `json:"bindingHash"`
	Evidence        map[string]any  `json:"evidence,omitempty"`
	Buttons         []Button        `json:"buttons,omitempty"`
	ApproverIDs     []string        `json:"approverIds,omitempty"`
	FallbackID      string          `json:"fallbackId,omitempty"`
	Status          Status          `json:"status"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	ExpiredBehavior ExpiredBehavior `json:"expiredBehavior"`
	RespondedBy     string          `json:"respondedBy,omitempty"`
	RespondedAt     *time.Time      `json:"respondedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// IsExpired reports whether the request has lapsed while still pending.
func (r *Request) IsExpired(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// Transition moves a pending request to its terminal state. Any
// non-pending request refuses further transitions.
func (r *Request) Transition(resp Response, respondedBy string, now time.Time) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	switch resp {
	case ResponseApprove:
		r.Status = StatusApproved
	case ResponseReject:
		r.Status = StatusRejected
	case ResponsePatch:
		r.Status = StatusPatched
	default:
		return ErrUnknownResponse
	}
	r.RespondedBy = respondedBy
	r.RespondedAt = &now
	return nil
}

// Expire marks a pending request expired.
func (r *Request) Expire() error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.Status = StatusExpired
	return nil
}

// ApplyPatch is a shallow key-wise override returning a new map. The
// original is never mutated.
func ApplyPatch(original, patch map[string]any) map[string]any {
	out := make(map[string]any, len(original)+len(patch))
	for k, v := range original {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
