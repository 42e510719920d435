package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

// MemoryStore keeps bundles in process. Stored values are cloned on the way in
// and out so callers cannot mutate persisted state.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string]*contracts.ClaimBundle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string]*contracts.ClaimBundle)}
}

func (s *MemoryStore) Create(ctx context.Context, b *contracts.ClaimBundle) error {
	if _, err := encodeBundle(b); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, b.ID)
	}
	s.bundles[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, b *contracts.ClaimBundle) error {
	if _, err := encodeBundle(b); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.ClaimBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*contracts.ClaimBundle, error) {
	s.mu.RLock()
	matched := make([]*contracts.ClaimBundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		if filter.matches(b) {
			matched = append(matched, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if len(matched) > filter.limit() {
		matched = matched[:filter.limit()]
	}
	out := make([]*contracts.ClaimBundle, len(matched))
	for i, b := range matched {
		out[i] = b.Clone()
	}
	return out, nil
}
