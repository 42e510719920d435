// Package archive keeps a content-addressed copy of every evaluated bundle.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/claimgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

var ErrNotFound = errors.New("archive object not found")

const hashPrefix = "sha256:"

// Store is a content-addressed blob store. Put is idempotent and returns the
// "sha256:<hex>" address of data.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Bundle stores the canonical JSON form of b and returns its address. The
// same bundle state always lands at the same address.
func Bundle(ctx context.Context, s Store, b *contracts.ClaimBundle) (string, error) {
	data, err := canonicalize.JCS(b)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize bundle %s: %w", b.ID, err)
	}
	return s.Put(ctx, data)
}

func addressOf(data []byte) (hashStr, prefixed string) {
	sum := sha256.Sum256(data)
	hashStr = hex.EncodeToString(sum[:])
	return hashStr, hashPrefix + hashStr
}

// parseHash validates a "sha256:<hex>" address and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw, nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".json")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	raw, prefixed := addressOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	tmpPath := path + ".tmp"
	//nolint:gosec // G306: archived bundles are readable by operators
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit archive object: %w", err)
	}
	return prefixed, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw)) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
