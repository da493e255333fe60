// Package artifacts persists finalized certificates at content-addressed
// paths. A certificate is stored once under its SHA-256 digest and never
// mutated or deleted; regeneration produces a new artifact under a new
// address.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the content-addressed storage contract. Store must be
// idempotent: re-storing identical bytes returns the same address.
type Store interface {
	// Store persists data and returns its "sha256:"-prefixed address.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by address.
	Get(ctx context.Context, address string) ([]byte, error)
	// Exists checks whether an address is already stored.
	Exists(ctx context.Context, address string) (bool, error)
}

// Address computes the content address for data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func hexOfAddress(address string) (string, error) {
	const prefix = "sha256:"
	if len(address) <= len(prefix) || address[:len(prefix)] != prefix {
		return "", fmt.Errorf("artifacts: malformed address %q", address)
	}
	return address[len(prefix):], nil
}

// FileStore keeps certificates on the local filesystem.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hexDigest string) string {
	return filepath.Join(s.baseDir, hexDigest+".eco.json")
}

// Store writes data atomically (temp file then rename) and returns its
// address. Existing artifacts are left untouched.
func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := Address(data)
	hexDigest, _ := hexOfAddress(address)
	path := s.path(hexDigest)

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: rename: %w", err)
	}
	return address, nil
}

func (s *FileStore) Get(ctx context.Context, address string) ([]byte, error) {
	hexDigest, err := hexOfAddress(address)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(hexDigest))
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", address, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, address string) (bool, error) {
	hexDigest, err := hexOfAddress(address)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(s.path(hexDigest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
