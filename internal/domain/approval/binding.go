package approval

import (
	"crypto/subtle"
	"fmt"

	"github.com/chaperone-dev/chaperone/internal/domain/canonical"
)

// BindingInput is the tuple the binding hash commits to. Changing any
// field after the request was raised produces a different hash.
type BindingInput struct {
	EnvelopeID          string         `json:"envelopeId"`
	EnvelopeVersion     int            `json:"envelopeVersion"`
	ActionID            string         `json:"actionId"`
	Parameters          map[string]any `json:"parameters"`
	DecisionTraceHash   string         `json:"decisionTraceHash"`
	ContextSnapshotHash string         `json:"contextSnapshotHash"`
}

// ComputeBindingHash hashes the binding tuple over its canonical JSON
// form.
func ComputeBindingHash(in BindingInput) (string, error) {
	h, err := canonical.Hash(in)
	if err != nil {
		return "", fmt.Errorf("compute binding hash: %w", err)
	}
	return h, nil
}

// VerifyBindingHash compares a supplied hash against the stored one in
// constant time.
func VerifyBindingHash(stored, supplied string) bool {
	if len(stored) != len(supplied) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
