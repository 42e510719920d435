package gates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/guardian"
)

// DefaultGuardianTimeout bounds a guardian call when the evaluation context
// sets no timeout.
const DefaultGuardianTimeout = 2 * time.Second

// adversarialGate asks the guardian for a threat score. Errors, timeouts and
// out-of-range scores defer.
func (s *Stack) adversarialGate(ctx context.Context, b *contracts.ClaimBundle, ectx *EvaluationContext) Result {
	scorer := ectx.Guardian
	if scorer == nil {
		scorer = guardian.Baseline
	}
	timeout := ectx.GuardianTimeout
	if timeout <= 0 {
		timeout = DefaultGuardianTimeout
	}

	req := guardian.Request{
		AgentID: b.OriginAgent.ID,
		Tool:    ectx.Tool,
		Action:  ectx.Action,
		Plan:    ectx.Plan,
		History: ectx.History,
	}
	if req.Action == "" {
		req.Action = describeAction(b)
	}

	a, err := withDeadline(ctx, timeout, func(c context.Context) (guardian.Assessment, error) {
		return scorer.Evaluate(c, req)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return block(Adversarial, Defer, fmt.Sprintf("Guardian timed out after %s", timeout))
	case err != nil:
		return block(Adversarial, Defer, fmt.Sprintf("Guardian unavailable: %v", err))
	case !(a.ThreatScore >= 0 && a.ThreatScore <= 1):
		return block(Adversarial, Defer, fmt.Sprintf("Guardian returned invalid threat score %v", a.ThreatScore))
	case a.ThreatScore > s.policy.MaxThreatScore:
		desc := a.Description
		if desc == "" {
			desc = fmt.Sprintf("threat score %.2f", a.ThreatScore)
		}
		return block(Adversarial, Defer, "Adversarial pattern detected: "+desc)
	}
	return pass(Adversarial, fmt.Sprintf("No adversarial patterns detected (threat score %.2f)", a.ThreatScore))
}

func describeAction(b *contracts.ClaimBundle) string {
	parts := make([]string, 0, len(b.Claims))
	for _, c := range b.Claims {
		if c.Statement != "" {
			parts = append(parts, c.Statement)
		}
	}
	return strings.Join(parts, "; ")
}

// withDeadline runs fn with a bounded context and returns as soon as either
// fn finishes or the deadline passes. fn must not touch the bundle.
func withDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}
