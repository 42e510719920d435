// Package gates implements the five claim-bundle gates and the stack that
// runs them in fixed order.
//
// Evidence, Uncertainty and Human-Approval are pure functions of the bundle.
// Security consults the rate/tier registry and Adversarial consults a
// guardian scorer; both fail closed when their collaborator errors or times
// out.
package gates

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/guardian"
)

// Name identifies one of the five gates. The set is closed.
type Name string

const (
	Evidence      Name = "Evidence"
	Uncertainty   Name = "Uncertainty"
	Security      Name = "Security"
	Adversarial   Name = "Adversarial"
	HumanApproval Name = "Human-Approval"
)

// Order is the fixed evaluation order.
var Order = []Name{Evidence, Uncertainty, Security, Adversarial, HumanApproval}

// Outcome separates blocking failures from passes that carry an annotation.
type Outcome int

const (
	Pass Outcome = iota
	PassWithCaveat
	Block
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "PASS"
	case PassWithCaveat:
		return "PASS_WITH_CAVEAT"
	default:
		return "BLOCK"
	}
}

// Decision is the per-gate recommendation.
type Decision string

const (
	Execute  Decision = "EXECUTE"
	Explain  Decision = "EXPLAIN"
	Defer    Decision = "DEFER"
	Refuse   Decision = "REFUSE"
	Escalate Decision = "ESCALATE"
)

// BundleDecision maps a blocking gate decision onto the bundle verdict.
func (d Decision) BundleDecision() contracts.BundleDecision {
	switch d {
	case Refuse:
		return contracts.DecisionRefuse
	case Escalate:
		return contracts.DecisionEscalate
	default:
		return contracts.DecisionDefer
	}
}

// Result is the transient output of one gate.
type Result struct {
	Gate       Name
	Outcome    Outcome
	Decision   Decision
	Reason     string
	EscalateTo string
}

// Passed is true for Pass and PassWithCaveat.
func (r Result) Passed() bool { return r.Outcome != Block }

func pass(g Name, reason string) Result {
	return Result{Gate: g, Outcome: Pass, Decision: Execute, Reason: reason}
}

func block(g Name, d Decision, reason string) Result {
	return Result{Gate: g, Outcome: Block, Decision: d, Reason: reason}
}

// Registry is the rate/tier collaborator consulted by the security gate.
// AgentTier returns registry.ErrUnknownAgent for unregistered agents.
type Registry interface {
	IsRateLimited(ctx context.Context, agentID, tool string) (bool, error)
	AgentTier(ctx context.Context, agentID string) (int, error)
}

// Transport describes how the bundle reached the pipeline.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "streamable_http"
)

// RequestInfo carries transport metadata for origin validation.
type RequestInfo struct {
	Transport Transport
	Origin    string
}

// Networked reports whether origin validation applies.
func (r RequestInfo) Networked() bool { return r.Transport == TransportHTTP }

// EvaluationContext holds the collaborators and call-site data gates need.
// A nil Registry skips the rate-limit check and uses the declared tier; a
// nil Guardian uses guardian.Baseline.
type EvaluationContext struct {
	Registry        Registry
	Guardian        guardian.Scorer
	GuardianTimeout time.Duration
	RegistryTimeout time.Duration

	Tool           string
	Request        RequestInfo
	AllowedOrigins []string

	Action  string
	Plan    []string
	History []string
}

type evaluator func(ctx context.Context, b *contracts.ClaimBundle, ectx *EvaluationContext) Result
