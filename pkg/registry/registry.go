// Package registry tracks per-agent privilege tiers and per-(agent, tool)
// call rates. It is shared across concurrent bundle evaluations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrUnknownAgent is returned by tier sources for agents they do not know.
var ErrUnknownAgent = errors.New("unknown agent")

// Limit configures a token bucket: RPM refill and Burst capacity.
type Limit struct {
	RPM   int `yaml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" json:"burst"`
}

// DefaultLimit applies to tools without an explicit limit.
var DefaultLimit = Limit{RPM: 60, Burst: 10}

func (l Limit) perSecond() float64 {
	r := float64(l.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (l Limit) burst() int {
	if l.Burst <= 0 {
		return 1
	}
	return l.Burst
}

// TierSource resolves an agent's registered privilege tier.
type TierSource interface {
	Tier(ctx context.Context, agentID string) (int, error)
}

// Limiter takes one token from the bucket identified by key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
}

// Registry composes a tier source and a rate limiter and counts calls per
// (agent, tool) pair.
type Registry struct {
	tiers   TierSource
	limiter Limiter

	mu           sync.RWMutex
	toolLimits   map[string]Limit
	defaultLimit Limit

	counters sync.Map // key -> *atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithToolLimit sets the limit for one tool.
func WithToolLimit(tool string, l Limit) Option {
	return func(r *Registry) { r.toolLimits[tool] = l }
}

// WithDefaultLimit overrides DefaultLimit.
func WithDefaultLimit(l Limit) Option {
	return func(r *Registry) { r.defaultLimit = l }
}

// New creates a registry. A nil tier source knows no agents; a nil limiter
// uses an in-memory limiter.
func New(tiers TierSource, limiter Limiter, opts ...Option) *Registry {
	if tiers == nil {
		tiers = NewMemoryTiers(nil)
	}
	if limiter == nil {
		limiter = NewMemoryLimiter(nil)
	}
	r := &Registry{
		tiers:        tiers,
		limiter:      limiter,
		toolLimits:   make(map[string]Limit),
		defaultLimit: DefaultLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetToolLimit replaces the limit for tool at runtime.
func (r *Registry) SetToolLimit(tool string, l Limit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolLimits[tool] = l
}

func (r *Registry) limitFor(tool string) Limit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.toolLimits[tool]; ok {
		return l
	}
	return r.defaultLimit
}

func key(agentID, tool string) string {
	return agentID + "|" + tool
}

// IsRateLimited records a call by agentID to tool and reports whether the
// pair is over its configured limit.
func (r *Registry) IsRateLimited(ctx context.Context, agentID, tool string) (bool, error) {
	k := key(agentID, tool)
	c, _ := r.counters.LoadOrStore(k, new(atomic.Int64))
	c.(*atomic.Int64).Add(1)

	allowed, err := r.limiter.Allow(ctx, k, r.limitFor(tool))
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", agentID, err)
	}
	return !allowed, nil
}

// AgentTier returns the registered tier, or ErrUnknownAgent.
func (r *Registry) AgentTier(ctx context.Context, agentID string) (int, error) {
	return r.tiers.Tier(ctx, agentID)
}

// Calls returns how many calls have been recorded for the pair.
func (r *Registry) Calls(agentID, tool string) int64 {
	if c, ok := r.counters.Load(key(agentID, tool)); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}
