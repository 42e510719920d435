package gates

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

// approvalGate maps the maximum risk tier to an approval rule. A required
// approval blocks with ESCALATE until an APPROVE for the target is on the
// trail; a recorded DENY refuses.
func (s *Stack) approvalGate(_ context.Context, b *contracts.ClaimBundle, _ *EvaluationContext) Result {
	tier := b.MaxRiskTier()
	rule := s.policy.ApprovalFor(tier)
	if !rule.Required {
		if rule.LogOnly {
			return pass(HumanApproval, fmt.Sprintf("Auto-approved (tier: %s, logged)", tier))
		}
		return pass(HumanApproval, fmt.Sprintf("Auto-approved (tier: %s)", tier))
	}

	if a, ok := b.AuditTrail.LatestApproval(rule.EscalateTo); ok {
		switch a.Decision {
		case contracts.ApprovalApprove:
			return pass(HumanApproval, fmt.Sprintf("Approved by %s (%s)", a.Approver, rule.EscalateTo))
		case contracts.ApprovalDeny:
			r := block(HumanApproval, Refuse, fmt.Sprintf("Denied by %s (%s): %s", a.Approver, rule.EscalateTo, a.Reason))
			r.EscalateTo = rule.EscalateTo
			return r
		}
	}

	r := block(HumanApproval, Escalate, fmt.Sprintf("Action requires %s approval", rule.EscalateTo))
	r.EscalateTo = rule.EscalateTo
	return r
}
