package gates

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

// uncertaintyGate reads only uncertainty.value; the estimator's own
// gate_recommendation is advisory and ignored.
func (s *Stack) uncertaintyGate(_ context.Context, b *contracts.ClaimBundle, _ *EvaluationContext) Result {
	u := b.MaxUncertainty()
	switch {
	case u > s.policy.DeferUncertainty:
		return block(Uncertainty, Defer, fmt.Sprintf("Maximum claim uncertainty %.2f exceeds %.2f", u, s.policy.DeferUncertainty))
	case u > s.policy.CaveatUncertainty:
		return Result{
			Gate:     Uncertainty,
			Outcome:  PassWithCaveat,
			Decision: Explain,
			Reason:   fmt.Sprintf("Moderate uncertainty %.2f; include caveats", u),
		}
	default:
		return pass(Uncertainty, fmt.Sprintf("Low uncertainty %.2f", u))
	}
}
