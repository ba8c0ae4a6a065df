// Package auth holds approver API keys: responders to approval requests
// authenticate with a key before delegation resolution runs.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an approver key is invalid, expired,
// or revoked.
var ErrInvalidKey = errors.New("invalid approver key")

// ApproverKey links a hashed key to a principal.
type ApproverKey struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principalId"`
	Name        string     `json:"name,omitempty"`
	KeyHash     string     `json:"keyHash"`
	Revoked     bool       `json:"revoked"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsExpired reports whether the key has lapsed.
func (k *ApproverKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// KeyStore persists approver keys.
type KeyStore interface {
	SaveKey(ctx context.Context, key *ApproverKey) error
	ListKeys(ctx context.Context) ([]*ApproverKey, error)
}

// argon2idParams are OWASP minimum parameters.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// GenerateKey returns a fresh cleartext key. Only the hash is ever
// stored.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "chk_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashKey hashes a cleartext key in PHC format.
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey checks a cleartext key against a stored hash. The argon2
// library panics on malformed stored hashes; that is converted to an
// error.
func VerifyKey(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid key hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

// KeyService validates cleartext keys against the store.
type KeyService struct {
	store KeyStore
}

// NewKeyService builds a key service.
func NewKeyService(store KeyStore) *KeyService {
	return &KeyService{store: store}
}

// Validate returns the principal ID owning a valid key, or
// ErrInvalidKey.
func (s *KeyService) Validate(ctx context.Context, rawKey string) (string, error) {
	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return "", ErrInvalidKey
	}
	now := time.Now().UTC()
	for _, k := range keys {
		ok, verifyErr := VerifyKey(rawKey, k.KeyHash)
		if verifyErr != nil || !ok {
			continue
		}
		if k.Revoked || k.IsExpired(now) {
			return "", ErrInvalidKey
		}
		return k.PrincipalID, nil
	}
	return "", ErrInvalidKey
}
