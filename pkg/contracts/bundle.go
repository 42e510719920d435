package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the wire format version written by this package.
const SchemaVersion = "1.0.0"

// BundleDecision is the terminal verdict of a gate stack run.
type BundleDecision string

const (
	DecisionPublish  BundleDecision = "PUBLISH"
	DecisionDefer    BundleDecision = "DEFER"
	DecisionEscalate BundleDecision = "ESCALATE"
	DecisionRefuse   BundleDecision = "REFUSE"
)

func (d BundleDecision) Valid() bool {
	switch d {
	case DecisionPublish, DecisionDefer, DecisionEscalate, DecisionRefuse:
		return true
	}
	return false
}

// OriginAgent identifies the agent that produced a bundle. On the wire it
// may be a bare id string or an {id, tier} object; it always encodes as an
// object.
type OriginAgent struct {
	ID   string `json:"id"`
	Tier int    `json:"tier"`

	untiered bool
}

// TierDeclared is false only when the origin was decoded from a bare id
// string and so carries no tier of its own.
func (a OriginAgent) TierDeclared() bool { return !a.untiered }

// MarshalJSON omits tier for untiered origins so a stored bundle decodes
// back to the same origin.
func (a OriginAgent) MarshalJSON() ([]byte, error) {
	if a.untiered {
		return json.Marshal(struct {
			ID string `json:"id"`
		}{a.ID})
	}
	return json.Marshal(struct {
		ID   string `json:"id"`
		Tier int    `json:"tier"`
	}{a.ID, a.Tier})
}

func (a *OriginAgent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*a = OriginAgent{ID: id, untiered: true}
		return nil
	}
	var obj struct {
		ID   string `json:"id"`
		Tier *int   `json:"tier"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("origin_agent: %w", err)
	}
	*a = OriginAgent{ID: obj.ID}
	if obj.Tier == nil {
		a.untiered = true
	} else {
		a.Tier = *obj.Tier
	}
	return nil
}

// ClaimBundle wraps one unit of machine output together with the pipeline's
// verdict and its audit trail. A bundle is owned by a single caller and is
// never mutated concurrently.
type ClaimBundle struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	SchemaVersion     string         `json:"schema_version,omitempty"`
	OriginAgent       OriginAgent    `json:"origin_agent"`
	Claims            []Claim        `json:"claims"`
	Decision          BundleDecision `json:"decision"`
	Reason            string         `json:"reason"`
	RequiredApprovals []string       `json:"required_approvals"`
	Caveats           []string       `json:"caveats,omitempty"`
	EscalateTo        string         `json:"escalate_to,omitempty"`
	AuditTrail        AuditTrail     `json:"audit_trail"`

	// Request is the evaluation request recorded with the stored bundle so an
	// approval re-run sees the same tool, arguments and transport. It is never
	// accepted on the wire.
	Request *EvaluationRequest `json:"evaluation_request,omitempty"`
}

// EvaluationRequest is the per-call context of the last evaluation.
type EvaluationRequest struct {
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Transport string         `json:"transport,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Action    string         `json:"action,omitempty"`
	Plan      []string       `json:"plan,omitempty"`
	History   []string       `json:"history,omitempty"`
}

// NewBundle creates a DEFER-by-default bundle with a fresh id.
func NewBundle(agentID string, agentTier int, claims ...Claim) *ClaimBundle {
	return &ClaimBundle{
		ID:                uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		SchemaVersion:     SchemaVersion,
		OriginAgent:       OriginAgent{ID: agentID, Tier: agentTier},
		Claims:            claims,
		Decision:          DecisionDefer,
		RequiredApprovals: []string{},
		AuditTrail:        NewAuditTrail(),
	}
}

// MaxRiskTier returns the most sensitive risk tier across all claims.
func (b *ClaimBundle) MaxRiskTier() RiskTier {
	best := TierReadOnly
	for _, c := range b.Claims {
		if c.RiskTier.Rank() > best.Rank() {
			best = c.RiskTier
		}
	}
	return best
}

// MaxUncertainty returns the largest uncertainty value, 0.0 for no claims.
func (b *ClaimBundle) MaxUncertainty() float64 {
	var best float64
	for _, c := range b.Claims {
		if c.Uncertainty.Value > best {
			best = c.Uncertainty.Value
		}
	}
	return best
}

// AddRequiredApproval records target in the required_approvals set.
func (b *ClaimBundle) AddRequiredApproval(target string) {
	for _, t := range b.RequiredApprovals {
		if t == target {
			return
		}
	}
	b.RequiredApprovals = append(b.RequiredApprovals, target)
	sort.Strings(b.RequiredApprovals)
}

// Clone returns a deep copy so callers can hand out snapshots.
func (b *ClaimBundle) Clone() *ClaimBundle {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Claims = make([]Claim, len(b.Claims))
	for i, c := range b.Claims {
		c.EvidencePointers = append([]EvidencePointer(nil), c.EvidencePointers...)
		cp.Claims[i] = c
	}
	cp.RequiredApprovals = append([]string(nil), b.RequiredApprovals...)
	cp.Caveats = append([]string(nil), b.Caveats...)
	cp.AuditTrail = b.AuditTrail.clone()
	if b.Request != nil {
		req := *b.Request
		req.Arguments = maps.Clone(b.Request.Arguments)
		req.Plan = append([]string(nil), b.Request.Plan...)
		req.History = append([]string(nil), b.Request.History...)
		cp.Request = &req
	}
	return &cp
}
