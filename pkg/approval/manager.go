// Package approval derives escalations from escalated bundles and records
// human approval decisions onto their audit trails.
//
// An escalation is pending for as long as the stored bundle's decision is
// ESCALATE, so it survives restarts and is shared by every replica reading
// the same store. There is no automatic timeout; Pending exposes ages so
// callers can enforce their own SLAs.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/claimgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

var (
	ErrNoEscalation    = errors.New("no pending escalation")
	ErrNotAuthorized   = errors.New("approver not authorized")
	ErrInvalidDecision = errors.New("approval decision must be APPROVE or DENY")
)

// Status is the lifecycle state of an escalation. Resolved escalations are
// represented by their receipts.
type Status string

const StatusPending Status = "PENDING"

// Escalation is a blocking request for sign-off on one bundle.
type Escalation struct {
	ID       string    `json:"id"`
	BundleID string    `json:"bundle_id"`
	AgentID  string    `json:"agent_id"`
	Target   string    `json:"target"`
	Reason   string    `json:"reason"`
	Status   Status    `json:"status"`
	OpenedAt time.Time `json:"opened_at"`
}

// Pending pairs an open escalation with its age.
type Pending struct {
	Escalation
	Age time.Duration `json:"age_ns"`
}

// Receipt is the immutable record of one approval decision.
type Receipt struct {
	ReceiptID    string                     `json:"receipt_id"`
	EscalationID string                     `json:"escalation_id"`
	BundleID     string                     `json:"bundle_id"`
	Target       string                     `json:"target"`
	Approver     string                     `json:"approver"`
	Decision     contracts.ApprovalDecision `json:"decision"`
	Reason       string                     `json:"reason"`
	ResolvedAt   time.Time                  `json:"resolved_at"`
	DurationMs   int64                      `json:"duration_ms"`
	ContentHash  string                     `json:"content_hash"`
}

// Manager checks approver authority and issues receipts. It holds no
// escalation state of its own.
type Manager struct {
	authorities Authorities
	clock       func() time.Time
}

func NewManager(authorities Authorities) *Manager {
	if authorities == nil {
		authorities = DefaultAuthorities()
	}
	return &Manager{
		authorities: authorities,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Escalation describes the pending escalation recorded on b. The id is
// derived from the bundle, target and opening time, so every reader of the
// same stored bundle sees the same escalation.
func (m *Manager) Escalation(b *contracts.ClaimBundle) (*Escalation, error) {
	if b == nil || b.Decision != contracts.DecisionEscalate || b.EscalateTo == "" {
		id, decision := "", contracts.BundleDecision("")
		if b != nil {
			id, decision = b.ID, b.Decision
		}
		return nil, fmt.Errorf("%w for bundle %s (decision=%s)", ErrNoEscalation, id, decision)
	}
	opened := openedAt(b)
	return &Escalation{
		ID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(b.ID+"|"+b.EscalateTo+"|"+opened.Format(time.RFC3339Nano))).String(),
		BundleID: b.ID,
		AgentID:  b.OriginAgent.ID,
		Target:   b.EscalateTo,
		Reason:   b.Reason,
		Status:   StatusPending,
		OpenedAt: opened,
	}, nil
}

// openedAt is the time of the gate record that escalated b, falling back to
// the bundle timestamp.
func openedAt(b *contracts.ClaimBundle) time.Time {
	rs := b.AuditTrail.GateResults
	for i := len(rs) - 1; i >= 0; i-- {
		if !rs[i].Passed && rs[i].EscalateTo == b.EscalateTo {
			return rs[i].Timestamp
		}
	}
	return b.Timestamp
}

// Submit validates approver authority for b's pending escalation and appends
// the decision, tagged with the receipt id, to b's human_approvals. Only b is
// modified; the escalation is resolved once the caller persists b with its
// new verdict.
func (m *Manager) Submit(_ context.Context, b *contracts.ClaimBundle, approver Approver, decision contracts.ApprovalDecision, reason string) (*Receipt, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidDecision, decision)
	}
	if approver.ID == "" {
		return nil, fmt.Errorf("%w: approver id is required", ErrNotAuthorized)
	}

	esc, err := m.Escalation(b)
	if err != nil {
		return nil, err
	}
	if !m.authorities.Allows(esc.Target, approver) {
		return nil, fmt.Errorf("%w: %s may not approve for %s", ErrNotAuthorized, approver.ID, esc.Target)
	}

	now := m.clock()
	r, err := m.receipt(esc, approver.ID, decision, reason, now)
	if err != nil {
		return nil, err
	}
	b.AuditTrail.RecordApproval(contracts.HumanApproval{
		Approver:  approver.ID,
		Timestamp: now,
		Decision:  decision,
		Reason:    reason,
		Target:    esc.Target,
		ReceiptID: r.ReceiptID,
	})
	return r, nil
}

func (m *Manager) receipt(esc *Escalation, approver string, d contracts.ApprovalDecision, reason string, at time.Time) (*Receipt, error) {
	r := &Receipt{
		ReceiptID:    uuid.NewString(),
		EscalationID: esc.ID,
		BundleID:     esc.BundleID,
		Target:       esc.Target,
		Approver:     approver,
		Decision:     d,
		Reason:       reason,
		ResolvedAt:   at,
		DurationMs:   at.Sub(esc.OpenedAt).Milliseconds(),
	}
	hash, err := canonicalize.PrefixedHash(struct {
		EscalationID string                     `json:"escalation_id"`
		BundleID     string                     `json:"bundle_id"`
		Target       string                     `json:"target"`
		Approver     string                     `json:"approver"`
		Decision     contracts.ApprovalDecision `json:"decision"`
		ResolvedAt   time.Time                  `json:"resolved_at"`
	}{esc.ID, esc.BundleID, esc.Target, approver, d, at})
	if err != nil {
		return nil, fmt.Errorf("receipt hash: %w", err)
	}
	r.ContentHash = hash
	return r, nil
}

// Pending lists the escalations of bundles, oldest first. Bundles that are
// not escalated are skipped.
func (m *Manager) Pending(bundles []*contracts.ClaimBundle) []Pending {
	now := m.clock()
	out := make([]Pending, 0, len(bundles))
	for _, b := range bundles {
		esc, err := m.Escalation(b)
		if err != nil {
			continue
		}
		out = append(out, Pending{Escalation: *esc, Age: now.Sub(esc.OpenedAt)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
