package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
)

// EvidenceStore keeps large evidence blobs as individual files under a
// root directory. Pointers are "file://<key>"; keys are confined to the
// root so a pointer can never escape it.
type EvidenceStore struct {
	root string
}

var _ ledger.EvidenceStore = (*EvidenceStore)(nil)

const evidenceScheme = "file://"

// NewEvidenceStore creates the root directory if needed.
func NewEvidenceStore(root string) (*EvidenceStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create evidence directory: %w", err)
	}
	return &EvidenceStore{root: root}, nil
}

// Put writes one blob and returns its pointer.
func (s *EvidenceStore) Put(_ context.Context, key string, blob []byte) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return "", fmt.Errorf("write evidence %s: %w", key, err)
	}
	return evidenceScheme + key, nil
}

// Get reads the blob a pointer refers to.
func (s *EvidenceStore) Get(_ context.Context, pointer string) ([]byte, error) {
	key, ok := strings.CutPrefix(pointer, evidenceScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported evidence pointer %q", pointer)
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence %s: %w", key, err)
	}
	return blob, nil
}

// resolve maps a key to a path inside the root, rejecting traversal.
func (s *EvidenceStore) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid evidence key %q", key)
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid evidence key %q", key)
	}
	if dir := filepath.Dir(path); dir != s.root {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("create evidence subdirectory: %w", err)
		}
	}
	return path, nil
}
