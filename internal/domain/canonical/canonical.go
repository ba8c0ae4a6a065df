// Package canonical provides deterministic JSON serialization and hashing.
//
// Every hash stored anywhere in the system (audit chain hashes, binding
// hashes, evidence digests) is computed over the RFC 8785 canonical form
// produced here, so that the same logical value hashes identically across
// processes and runtimes.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

const (
	// Version identifies the canonicalization rules in effect. Recorded on
	// every audit entry so a verifier knows how to recompute hashes.
	Version = 1

	// ChainHashVersion identifies how audit chain hashes are constructed
	// (canonical JSON of the entry minus its own hash field).
	ChainHashVersion = 1
)

// Canonicalize returns the RFC 8785 canonical JSON encoding of v.
//
// Object keys are sorted lexicographically at every nesting level, absent
// values (untagged nils behind omitempty) are dropped by the intermediate
// marshal, array order is preserved, and numbers are serialized in the
// fixed ECMAScript form mandated by RFC 8785.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
