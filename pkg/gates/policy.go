package gates

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

// ApprovalRule says what sign-off a maximum risk tier needs.
type ApprovalRule struct {
	Required   bool   `yaml:"required" json:"required"`
	EscalateTo string `yaml:"escalate_to" json:"escalate_to,omitempty"`
	// LogOnly marks auto-approved tiers that are still written to the audit log.
	LogOnly bool `yaml:"log_only" json:"log_only,omitempty"`
}

// Policy holds the gate thresholds.
type Policy struct {
	MinSourceConfidence float64
	DeferUncertainty    float64
	CaveatUncertainty   float64
	MaxThreatScore      float64
	Approvals           map[contracts.RiskTier]ApprovalRule
}

const (
	OpsTeam      = "ops_team"
	SecurityTeam = "security_team"
)

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinSourceConfidence: 0.60,
		DeferUncertainty:    0.75,
		CaveatUncertainty:   0.50,
		MaxThreatScore:      0.70,
		Approvals: map[contracts.RiskTier]ApprovalRule{
			contracts.TierReadOnly:     {},
			contracts.TierWriteLimited: {},
			contracts.TierModify:       {LogOnly: true},
			contracts.TierDelete:       {Required: true, EscalateTo: OpsTeam},
			contracts.TierPrivilege:    {Required: true, EscalateTo: SecurityTeam},
		},
	}
}

// Validate checks threshold ordering and ranges. Problems are reported in a
// fixed order so the same policy always yields the same error.
func (p Policy) Validate() error {
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"min_source_confidence", p.MinSourceConfidence},
		{"defer_uncertainty", p.DeferUncertainty},
		{"caveat_uncertainty", p.CaveatUncertainty},
		{"max_threat_score", p.MaxThreatScore},
	} {
		if !(th.value >= 0 && th.value <= 1) {
			return fmt.Errorf("policy: %s %v out of range [0,1]", th.name, th.value)
		}
	}
	if p.CaveatUncertainty > p.DeferUncertainty {
		return fmt.Errorf("policy: caveat_uncertainty %v exceeds defer_uncertainty %v", p.CaveatUncertainty, p.DeferUncertainty)
	}
	tiers := make([]contracts.RiskTier, 0, len(p.Approvals))
	for tier := range p.Approvals {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	for _, tier := range tiers {
		if !tier.Valid() {
			return fmt.Errorf("policy: unknown risk tier %q in approvals", tier)
		}
		if rule := p.Approvals[tier]; rule.Required && rule.EscalateTo == "" {
			return fmt.Errorf("policy: tier %s requires approval but names no escalation target", tier)
		}
	}
	return nil
}

// ApprovalFor returns the rule for tier. Tiers missing from the table
// inherit the rule of the nearest lower tier that has one.
func (p Policy) ApprovalFor(tier contracts.RiskTier) ApprovalRule {
	for r := tier.Rank(); r >= 0; r-- {
		t, _ := contracts.TierForRank(r)
		if rule, ok := p.Approvals[t]; ok {
			return rule
		}
	}
	return ApprovalRule{}
}
