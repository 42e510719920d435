package gates

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

// evidenceGate refuses FACT claims without evidence and defers FACT claims
// whose best source is below the confidence floor. Non-FACT claims are
// skipped. The first failing claim decides.
func (s *Stack) evidenceGate(_ context.Context, b *contracts.ClaimBundle, _ *EvaluationContext) Result {
	for _, c := range b.Claims {
		if c.ClaimType != contracts.ClaimFact {
			continue
		}
		if len(c.EvidencePointers) == 0 {
			return block(Evidence, Refuse, fmt.Sprintf("FACT claim %s has no evidence", c.ID))
		}
		if best := c.MaxSourceConfidence(); best < s.policy.MinSourceConfidence {
			return block(Evidence, Defer, fmt.Sprintf("FACT claim %s lacks confident sources (max confidence=%.2f)", c.ID, best))
		}
	}
	return pass(Evidence, "All FACT claims have sufficient evidence")
}
