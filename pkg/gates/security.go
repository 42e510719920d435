package gates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/registry"
)

// DefaultRegistryTimeout bounds each registry lookup when the context sets none.
const DefaultRegistryTimeout = 500 * time.Millisecond

// securityGate runs origin validation (network calls only), the privilege
// check and the rate limit, in that order. Registry failures defer.
func (s *Stack) securityGate(ctx context.Context, b *contracts.ClaimBundle, ectx *EvaluationContext) Result {
	if ectx.Request.Networked() && !originAllowed(ectx.Request.Origin, ectx.AllowedOrigins) {
		return block(Security, Refuse, "Invalid origin header")
	}

	tier, err := s.effectiveTier(ctx, b.OriginAgent, ectx)
	if err != nil {
		return block(Security, Defer, registryFailure(err, ectx.registryTimeout()))
	}
	required := b.MaxRiskTier().Rank()
	if tier < required {
		return block(Security, Refuse, fmt.Sprintf("Agent tier %d insufficient for tier %d operation", tier, required))
	}

	if ectx.Registry != nil {
		limited, err := withDeadline(ctx, ectx.registryTimeout(), func(c context.Context) (bool, error) {
			return ectx.Registry.IsRateLimited(c, b.OriginAgent.ID, ectx.Tool)
		})
		if err != nil {
			return block(Security, Defer, registryFailure(err, ectx.registryTimeout()))
		}
		if limited {
			return block(Security, Defer, fmt.Sprintf("Rate limit exceeded for %s", b.OriginAgent.ID))
		}
	}
	return pass(Security, "Security requirements met")
}

// effectiveTier never lets a bundle claim more privilege than the registry
// grants. Unregistered agents keep their declared tier.
func (s *Stack) effectiveTier(ctx context.Context, origin contracts.OriginAgent, ectx *EvaluationContext) (int, error) {
	if ectx.Registry == nil {
		return origin.Tier, nil
	}
	registered, err := withDeadline(ctx, ectx.registryTimeout(), func(c context.Context) (int, error) {
		return ectx.Registry.AgentTier(c, origin.ID)
	})
	if errors.Is(err, registry.ErrUnknownAgent) {
		return origin.Tier, nil
	}
	if err != nil {
		return 0, err
	}
	if !origin.TierDeclared() || registered < origin.Tier {
		return registered, nil
	}
	return origin.Tier, nil
}

func originAllowed(origin string, allowed []string) bool {
	origin = strings.TrimSuffix(strings.TrimSpace(origin), "/")
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(origin, strings.TrimSuffix(a, "/")) {
			return true
		}
	}
	return false
}

func registryFailure(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("Registry timed out after %s", timeout)
	}
	return fmt.Sprintf("Registry unavailable: %v", err)
}

func (e *EvaluationContext) registryTimeout() time.Duration {
	if e.RegistryTimeout > 0 {
		return e.RegistryTimeout
	}
	return DefaultRegistryTimeout
}
