package gates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

// ErrEvaluationIncomplete is returned when ctx ends before the stack reaches
// a terminal decision. The bundle is still returned, marked incomplete.
var ErrEvaluationIncomplete = errors.New("evaluation incomplete")

// Stack runs the gates in Order and folds their results into the bundle.
// A Stack holds no per-bundle state and is safe for concurrent use across
// distinct bundles.
type Stack struct {
	policy     Policy
	evaluators map[Name]evaluator
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Stack.
type Option func(*Stack)

// WithClock sets the time source for trail timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Stack) { s.now = now }
}

// WithLogger sets the logger used for gate errors and timeouts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) { s.logger = l }
}

// NewStack builds the stack for policy.
func NewStack(policy Policy, opts ...Option) *Stack {
	s := &Stack{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "gates"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.evaluators = map[Name]evaluator{
		Evidence:      s.evidenceGate,
		Uncertainty:   s.uncertaintyGate,
		Security:      s.securityGate,
		Adversarial:   s.adversarialGate,
		HumanApproval: s.approvalGate,
	}
	return s
}

// Policy returns the thresholds the stack was built with.
func (s *Stack) Policy() Policy { return s.policy }

// EvaluateGate runs a single gate without touching the bundle.
func (s *Stack) EvaluateGate(ctx context.Context, name Name, b *contracts.ClaimBundle, ectx *EvaluationContext) (Result, error) {
	fn, ok := s.evaluators[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown gate %q", name)
	}
	if ectx == nil {
		ectx = &EvaluationContext{}
	}
	return fn(ctx, b, ectx), nil
}

// Evaluate runs the gates against b, appending each outcome to the audit
// trail and stopping at the first blocking gate. Policy outcomes are carried
// on the bundle; the only error is ErrEvaluationIncomplete.
func (s *Stack) Evaluate(ctx context.Context, b *contracts.ClaimBundle, ectx *EvaluationContext) (*contracts.ClaimBundle, error) {
	if ectx == nil {
		ectx = &EvaluationContext{}
	}
	b.Decision = contracts.DecisionDefer
	b.Reason = ""
	b.EscalateTo = ""
	b.Caveats = nil
	b.RequiredApprovals = []string{}
	b.AuditTrail.BeginRun()

	log := s.logger.With("bundle_id", b.ID, "agent_id", b.OriginAgent.ID)

	var caveats []string
	for _, name := range Order {
		if err := ctx.Err(); err != nil {
			return s.incomplete(b, err, log)
		}
		res := s.evaluators[name](ctx, b, ectx)
		// A gate that raced with cancellation is discarded.
		if err := ctx.Err(); err != nil {
			return s.incomplete(b, err, log)
		}

		b.AuditTrail.RecordGate(contracts.GateRecord{
			Gate:       string(res.Gate),
			Passed:     res.Passed(),
			Decision:   string(res.Decision),
			Reason:     res.Reason,
			EscalateTo: res.EscalateTo,
			Timestamp:  s.now(),
		})
		log.Debug("gate evaluated", "gate", name, "outcome", res.Outcome, "decision", res.Decision)

		switch res.Outcome {
		case Block:
			b.Decision = res.Decision.BundleDecision()
			b.Reason = res.Reason
			b.Caveats = caveats
			if res.Decision == Escalate {
				b.EscalateTo = res.EscalateTo
				b.AddRequiredApproval(res.EscalateTo)
			}
			log.Info("bundle blocked", "gate", name, "decision", b.Decision, "reason", b.Reason)
			return b, nil
		case PassWithCaveat:
			caveats = append(caveats, res.Reason)
		}
	}

	b.Decision = contracts.DecisionPublish
	b.Caveats = caveats
	if len(caveats) > 0 {
		b.Reason = strings.Join(caveats, "; ")
	} else {
		b.Reason = "All gates passed"
	}
	log.Info("bundle published", "caveats", len(caveats))
	return b, nil
}

func (s *Stack) incomplete(b *contracts.ClaimBundle, cause error, log *slog.Logger) (*contracts.ClaimBundle, error) {
	b.Decision = contracts.DecisionDefer
	b.Reason = "evaluation incomplete: " + cause.Error()
	b.AuditTrail.MarkIncomplete()
	log.Warn("evaluation incomplete", "error", cause, "gates_recorded", len(b.AuditTrail.GateResults))
	return b, fmt.Errorf("%w: %w", ErrEvaluationIncomplete, cause)
}
