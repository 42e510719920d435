// Package pipeline is the claim gate service: it validates a bundle, runs
// the gate stack, persists and archives the result, writes the audit log and
// opens escalations for bundles that need human sign-off.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/claimgate/pkg/approval"
	"github.com/Mindburn-Labs/claimgate/pkg/archive"
	"github.com/Mindburn-Labs/claimgate/pkg/audit"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/gates"
	"github.com/Mindburn-Labs/claimgate/pkg/guardian"
	"github.com/Mindburn-Labs/claimgate/pkg/observability"
	"github.com/Mindburn-Labs/claimgate/pkg/store"
	"github.com/Mindburn-Labs/claimgate/pkg/tools"
)

const (
	defaultMaxHistory = 1000
	maxEscalations    = 1000
)

// ErrNoRequest is returned when an escalated bundle carries no recorded
// evaluation request to re-run with.
var ErrNoRequest = errors.New("bundle has no recorded evaluation request")

// Deps are the collaborators of a Service. Stack, Store, Audit and
// Approvals default to in-memory instances; the rest are optional.
type Deps struct {
	Stack     *gates.Stack
	Store     store.Store
	Audit     *audit.Log
	Approvals *approval.Manager

	Registry gates.Registry
	Guardian guardian.Scorer
	Tools    *tools.Registry
	Archive  archive.Store
	Metrics  *observability.Provider

	AllowedOrigins  []string
	GuardianTimeout time.Duration
	RegistryTimeout time.Duration

	// MaxHistory bounds the in-memory run history; 0 means 1000.
	MaxHistory int
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Options carry per-call data for one evaluation.
type Options struct {
	Tool      string
	Arguments map[string]any
	Request   gates.RequestInfo
	Action    string
	Plan      []string
	History   []string
}

// Run is one pass of a bundle through the pipeline.
type Run struct {
	RunID         string                   `json:"run_id"`
	BundleID      string                   `json:"bundle_id"`
	AgentID       string                   `json:"agent_id"`
	Digest        string                   `json:"digest"`
	Decision      contracts.BundleDecision `json:"decision"`
	Reason        string                   `json:"reason"`
	EscalateTo    string                   `json:"escalate_to,omitempty"`
	ReasoningPath []contracts.GateRecord   `json:"reasoning_path"`
	Incomplete    bool                     `json:"incomplete,omitempty"`
	TraceID       string                   `json:"trace_id"`
	ArchiveRef    string                   `json:"archive_ref,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	CompletedAt   time.Time                `json:"completed_at"`
}

// Result is returned by Evaluate.
type Result struct {
	Bundle     *contracts.ClaimBundle `json:"bundle"`
	Run        Run                    `json:"run"`
	Escalation *approval.Escalation   `json:"escalation,omitempty"`
}

// ApprovalResult is returned by SubmitApproval.
type ApprovalResult struct {
	Receipt *approval.Receipt `json:"receipt"`
	Result  *Result           `json:"result"`
}

type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	history []Run

	// approveMu serialises approval submissions within this process.
	approveMu sync.Mutex
}

func New(deps Deps) *Service {
	if deps.Stack == nil {
		deps.Stack = gates.NewStack(gates.DefaultPolicy())
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLog()
	}
	if deps.Approvals == nil {
		deps.Approvals = approval.NewManager(nil)
	}
	if deps.MaxHistory <= 0 {
		deps.MaxHistory = defaultMaxHistory
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		deps:   deps,
		logger: logger,
		now:    now,
	}
}

// Evaluate runs a new bundle through the pipeline. b is mutated in place and
// returned in the Result. Structural problems, including inbound
// human_approvals, return an error wrapping contracts.ErrInvalidBundle; an id
// that was already evaluated returns store.ErrExists; a cancelled evaluation
// returns the recorded Result together with gates.ErrEvaluationIncomplete.
func (s *Service) Evaluate(ctx context.Context, b *contracts.ClaimBundle, opts Options) (res *Result, err error) {
	if b == nil {
		return nil, fmt.Errorf("%w: bundle is nil", contracts.ErrInvalidBundle)
	}
	ctx, done := s.deps.Metrics.TrackOperation(ctx, "bundle.evaluate",
		observability.BundleOperation(b.ID, b.OriginAgent.ID, string(b.MaxRiskTier()))...)
	defer func() {
		if errors.Is(err, gates.ErrEvaluationIncomplete) {
			done(nil)
			return
		}
		done(err)
	}()

	if err := b.Validate(); err != nil {
		return nil, err
	}
	if n := len(b.AuditTrail.HumanApprovals); n > 0 {
		return nil, fmt.Errorf("%w: bundle carries %d human approval(s); approvals are recorded only by approval submission",
			contracts.ErrInvalidBundle, n)
	}
	if err := s.checkTool(b, opts); err != nil {
		return nil, err
	}
	switch _, err := s.deps.Store.Get(context.WithoutCancel(ctx), b.ID); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", store.ErrExists, b.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup bundle %s: %w", b.ID, err)
	}
	return s.evaluate(ctx, b, opts, true)
}

func (s *Service) checkTool(b *contracts.ClaimBundle, opts Options) error {
	if opts.Tool == "" || s.deps.Tools == nil {
		return nil
	}
	tool, err := s.deps.Tools.Get(opts.Tool)
	if err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrInvalidBundle, err)
	}
	if err := s.deps.Tools.ValidateArguments(opts.Tool, opts.Arguments); err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrInvalidBundle, err)
	}
	if tool.RequiredTier.Rank() > b.MaxRiskTier().Rank() {
		return fmt.Errorf("%w: tool %s requires risk tier %s but claims declare at most %s",
			contracts.ErrInvalidBundle, tool.Name, tool.RequiredTier, b.MaxRiskTier())
	}
	return nil
}

// evaluate runs the stack and records the outcome. A fresh bundle is
// inserted with Store.Create; a re-run overwrites the stored row.
func (s *Service) evaluate(ctx context.Context, b *contracts.ClaimBundle, opts Options, fresh bool) (*Result, error) {
	started := s.now()
	log := s.logger.With("bundle_id", b.ID, "agent_id", b.OriginAgent.ID)

	ectx := &gates.EvaluationContext{
		Registry:        s.deps.Registry,
		Guardian:        s.deps.Guardian,
		GuardianTimeout: s.deps.GuardianTimeout,
		RegistryTimeout: s.deps.RegistryTimeout,
		Tool:            opts.Tool,
		Request:         opts.Request,
		AllowedOrigins:  s.deps.AllowedOrigins,
		Action:          opts.Action,
		Plan:            opts.Plan,
		History:         opts.History,
	}
	gateRecords := len(b.AuditTrail.GateResults)

	_, evalErr := s.deps.Stack.Evaluate(ctx, b, ectx)
	if evalErr != nil && !errors.Is(evalErr, gates.ErrEvaluationIncomplete) {
		return nil, evalErr
	}

	// Bookkeeping outlives a cancelled request so the incomplete run is
	// still persisted and audited.
	bctx := context.WithoutCancel(ctx)

	digest, err := b.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest bundle %s: %w", b.ID, err)
	}

	run := Run{
		RunID:         uuid.NewString(),
		BundleID:      b.ID,
		AgentID:       b.OriginAgent.ID,
		Digest:        digest,
		Decision:      b.Decision,
		Reason:        b.Reason,
		EscalateTo:    b.EscalateTo,
		ReasoningPath: append([]contracts.GateRecord(nil), b.AuditTrail.GateResults[gateRecords:]...),
		Incomplete:    b.AuditTrail.Incomplete,
		StartedAt:     started,
	}

	if s.deps.Archive != nil {
		ref, err := archive.Bundle(bctx, s.deps.Archive, b)
		if err != nil {
			log.Warn("archive failed", "error", err)
		} else {
			run.ArchiveRef = ref
		}
	}

	b.Request = requestRecord(opts)
	persist := s.deps.Store.Save
	if fresh {
		persist = s.deps.Store.Create
	}
	if err := persist(bctx, b); err != nil {
		return nil, fmt.Errorf("persist bundle %s: %w", b.ID, err)
	}

	eventType := audit.EventBundleEvaluated
	if run.Incomplete {
		eventType = audit.EventEvaluationIncomplete
	}
	ev, err := s.deps.Audit.Append(eventType, b.OriginAgent.ID, b.ID, map[string]any{
		"run_id":       run.RunID,
		"digest":       digest,
		"decision":     b.Decision,
		"reason":       b.Reason,
		"escalate_to":  b.EscalateTo,
		"caveats":      b.Caveats,
		"gates_passed": b.AuditTrail.GatesPassed,
		"gates_failed": b.AuditTrail.GatesFailed,
		"archive_ref":  run.ArchiveRef,
	})
	if err != nil {
		return nil, fmt.Errorf("audit bundle %s: %w", b.ID, err)
	}
	run.TraceID = ev.TraceID

	var esc *approval.Escalation
	if b.Decision == contracts.DecisionEscalate {
		esc, err = s.deps.Approvals.Escalation(b)
		if err != nil {
			return nil, fmt.Errorf("open escalation for %s: %w", b.ID, err)
		}
		if _, err := s.deps.Audit.Append(audit.EventEscalationOpened, b.OriginAgent.ID, b.ID, esc); err != nil {
			return nil, fmt.Errorf("audit escalation for %s: %w", b.ID, err)
		}
	}

	s.recordMetrics(bctx, run)
	run.CompletedAt = s.now()
	s.remember(run)

	log.Info("bundle evaluated", "decision", run.Decision, "reason", run.Reason, "trace_id", run.TraceID)
	return &Result{Bundle: b, Run: run, Escalation: esc}, evalErr
}

func (s *Service) recordMetrics(ctx context.Context, run Run) {
	m := s.deps.Metrics
	m.RecordDecision(ctx, string(run.Decision))
	if n := len(run.ReasoningPath); n > 0 {
		if last := run.ReasoningPath[n-1]; !last.Passed {
			m.RecordGateBlock(ctx, last.Gate, last.Decision)
		}
	}
}

func (s *Service) remember(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, run)
	if over := len(s.history) - s.deps.MaxHistory; over > 0 {
		s.history = append([]Run(nil), s.history[over:]...)
	}
}

func requestRecord(opts Options) *contracts.EvaluationRequest {
	return &contracts.EvaluationRequest{
		Tool:      opts.Tool,
		Arguments: opts.Arguments,
		Transport: string(opts.Request.Transport),
		Origin:    opts.Request.Origin,
		Action:    opts.Action,
		Plan:      opts.Plan,
		History:   opts.History,
	}
}

func optionsFrom(req *contracts.EvaluationRequest) Options {
	return Options{
		Tool:      req.Tool,
		Arguments: req.Arguments,
		Request:   gates.RequestInfo{Transport: gates.Transport(req.Transport), Origin: req.Origin},
		Action:    req.Action,
		Plan:      req.Plan,
		History:   req.History,
	}
}

// SubmitApproval records an approver's decision on an escalated bundle and
// re-runs the gate stack with the bundle's recorded evaluation request so it
// reaches its final verdict. The escalation stays pending unless the re-run
// is persisted.
func (s *Service) SubmitApproval(ctx context.Context, bundleID string, approver approval.Approver, decision contracts.ApprovalDecision, reason string) (*ApprovalResult, error) {
	s.approveMu.Lock()
	defer s.approveMu.Unlock()

	b, err := s.deps.Store.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Approvals.Escalation(b); err != nil {
		return nil, err
	}
	if b.Request == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRequest, b.ID)
	}
	receipt, err := s.deps.Approvals.Submit(ctx, b, approver, decision, reason)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Audit.Append(audit.EventApprovalSubmitted, b.OriginAgent.ID, b.ID, receipt); err != nil {
		return nil, fmt.Errorf("audit approval for %s: %w", b.ID, err)
	}

	// The approval is already on the trail; a client going away must not
	// leave the bundle stranded as an incomplete run.
	res, err := s.evaluate(context.WithoutCancel(ctx), b, optionsFrom(b.Request), false)
	if err != nil && res == nil {
		return nil, err
	}
	return &ApprovalResult{Receipt: receipt, Result: res}, err
}

// Get returns the stored bundle.
func (s *Service) Get(ctx context.Context, bundleID string) (*contracts.ClaimBundle, error) {
	return s.deps.Store.Get(ctx, bundleID)
}

// List returns stored bundles.
func (s *Service) List(ctx context.Context, f store.Filter) ([]*contracts.ClaimBundle, error) {
	return s.deps.Store.List(ctx, f)
}

// ReasoningPath returns every gate record on the stored bundle's trail,
// across all evaluation runs.
func (s *Service) ReasoningPath(ctx context.Context, bundleID string) ([]contracts.GateRecord, error) {
	b, err := s.deps.Store.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	return b.AuditTrail.GateResults, nil
}

// HistoryFilter narrows History. Zero values match everything.
type HistoryFilter struct {
	AgentID  string
	BundleID string
	Limit    int
}

// History returns recent runs in execution order.
func (s *Service) History(f HistoryFilter) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		r := s.history[i]
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.BundleID != "" && r.BundleID != f.BundleID {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Escalations lists pending escalations of stored bundles, oldest first.
func (s *Service) Escalations(ctx context.Context) ([]approval.Pending, error) {
	bundles, err := s.deps.Store.List(ctx, store.Filter{Decision: contracts.DecisionEscalate, Limit: maxEscalations})
	if err != nil {
		return nil, err
	}
	return s.deps.Approvals.Pending(bundles), nil
}

// AuditEvents queries the audit log.
func (s *Service) AuditEvents(f audit.Filter) []audit.Event {
	return s.deps.Audit.Query(f)
}

// VerifyAudit checks the audit chain (and seals, when configured).
func (s *Service) VerifyAudit() error {
	return s.deps.Audit.VerifyChain()
}

// ExportAudit returns the audit log export document.
func (s *Service) ExportAudit() ([]byte, error) {
	return s.deps.Audit.ExportJSON()
}
