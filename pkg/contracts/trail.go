package contracts

import "time"

// ApprovalDecision is a human approver's verdict on an escalated bundle.
type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "APPROVE"
	ApprovalDeny    ApprovalDecision = "DENY"
)

func (d ApprovalDecision) Valid() bool {
	return d == ApprovalApprove || d == ApprovalDeny
}

// HumanApproval is one approval event appended after escalation.
// ReceiptID links the entry to the receipt issued when it was submitted.
type HumanApproval struct {
	Approver  string           `json:"approver"`
	Timestamp time.Time        `json:"timestamp"`
	Decision  ApprovalDecision `json:"decision"`
	Reason    string           `json:"reason"`
	Target    string           `json:"target,omitempty"`
	ReceiptID string           `json:"receipt_id,omitempty"`
}

// GateRecord is one step of the reasoning path.
type GateRecord struct {
	Gate       string    `json:"gate"`
	Passed     bool      `json:"passed"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	EscalateTo string    `json:"escalate_to,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditTrail is the append-only record of gate outcomes and approvals.
type AuditTrail struct {
	GatesPassed    []string        `json:"gates_passed"`
	GatesFailed    []string        `json:"gates_failed"`
	HumanApprovals []HumanApproval `json:"human_approvals"`
	GateResults    []GateRecord    `json:"gate_results,omitempty"`
	Incomplete     bool            `json:"incomplete,omitempty"`
}

func NewAuditTrail() AuditTrail {
	return AuditTrail{
		GatesPassed:    []string{},
		GatesFailed:    []string{},
		HumanApprovals: []HumanApproval{},
	}
}

// RecordGate appends a gate outcome in evaluation order.
func (t *AuditTrail) RecordGate(rec GateRecord) {
	if rec.Passed {
		t.GatesPassed = append(t.GatesPassed, rec.Gate)
	} else {
		t.GatesFailed = append(t.GatesFailed, rec.Gate)
	}
	t.GateResults = append(t.GateResults, rec)
}

// RecordApproval appends a human approval event.
func (t *AuditTrail) RecordApproval(a HumanApproval) {
	t.HumanApprovals = append(t.HumanApprovals, a)
}

// MarkIncomplete flags the trail as belonging to an interrupted evaluation.
func (t *AuditTrail) MarkIncomplete() { t.Incomplete = true }

// BeginRun clears the incomplete marker left by an earlier interrupted run.
// Recorded entries are kept.
func (t *AuditTrail) BeginRun() { t.Incomplete = false }

// LatestApproval returns the most recent receipted approval event for
// target. Entries without a receipt id are ignored.
func (t *AuditTrail) LatestApproval(target string) (HumanApproval, bool) {
	for i := len(t.HumanApprovals) - 1; i >= 0; i-- {
		if a := t.HumanApprovals[i]; a.Target == target && a.ReceiptID != "" {
			return t.HumanApprovals[i], true
		}
	}
	return HumanApproval{}, false
}

func (t AuditTrail) clone() AuditTrail {
	return AuditTrail{
		GatesPassed:    append([]string{}, t.GatesPassed...),
		GatesFailed:    append([]string{}, t.GatesFailed...),
		HumanApprovals: append([]HumanApproval{}, t.HumanApprovals...),
		GateResults:    append([]GateRecord(nil), t.GateResults...),
		Incomplete:     t.Incomplete,
	}
}
