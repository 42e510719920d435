package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryTiers is an in-process tier table.
type MemoryTiers struct {
	mu    sync.RWMutex
	tiers map[string]int
}

func NewMemoryTiers(initial map[string]int) *MemoryTiers {
	m := &MemoryTiers{tiers: make(map[string]int, len(initial))}
	for id, t := range initial {
		m.tiers[id] = t
	}
	return m
}

// Set registers or updates an agent's tier.
func (m *MemoryTiers) Set(agentID string, tier int) error {
	if tier < 0 || tier > 4 {
		return fmt.Errorf("tier %d out of range 0..4", tier)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[agentID] = tier
	return nil
}

func (m *MemoryTiers) Tier(_ context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[agentID]
	if !ok {
		return 0, ErrUnknownAgent
	}
	return t, nil
}

// MemoryLimiter keeps one token bucket per key for single-instance
// deployments.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

// NewMemoryLimiter creates a limiter. now may be nil for wall time.
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		buckets: make(map[string]*rate.Limiter),
		now:     now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, l Limit) (bool, error) {
	m.mu.Lock()
	now := m.now()
	lim, ok := m.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perSecond()), l.burst())
		m.buckets[key] = lim
	} else {
		if lim.Limit() != rate.Limit(l.perSecond()) {
			lim.SetLimitAt(now, rate.Limit(l.perSecond()))
		}
		if lim.Burst() != l.burst() {
			lim.SetBurstAt(now, l.burst())
		}
	}
	m.mu.Unlock()

	return lim.AllowN(now, 1), nil
}
