package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/claimgate/pkg/approval"
	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/gates"
	"github.com/Mindburn-Labs/claimgate/pkg/guardian"
	"github.com/Mindburn-Labs/claimgate/pkg/registry"
	"github.com/Mindburn-Labs/claimgate/pkg/tools"
)

// Thresholds are the numeric gate parameters.
type Thresholds struct {
	MinSourceConfidence float64       `yaml:"min_source_confidence" json:"min_source_confidence"`
	DeferUncertainty    float64       `yaml:"defer_uncertainty" json:"defer_uncertainty"`
	CaveatUncertainty   float64       `yaml:"caveat_uncertainty" json:"caveat_uncertainty"`
	MaxThreatScore      float64       `yaml:"max_threat_score" json:"max_threat_score"`
	GuardianTimeout     time.Duration `yaml:"guardian_timeout" json:"guardian_timeout"`
	RegistryTimeout     time.Duration `yaml:"registry_timeout" json:"registry_timeout"`
}

type RateLimits struct {
	Default registry.Limit            `yaml:"default" json:"default"`
	Tools   map[string]registry.Limit `yaml:"tools" json:"tools,omitempty"`
}

type GuardianPolicy struct {
	// DefaultRules enables the built-in CEL threat rules alongside Rules.
	DefaultRules bool            `yaml:"default_rules" json:"default_rules"`
	Rules        []guardian.Rule `yaml:"rules" json:"rules,omitempty"`
	Temporal     bool            `yaml:"temporal" json:"temporal"`
	Baseline     float64         `yaml:"baseline" json:"baseline"`
}

// Policy is the operator-editable policy file.
type Policy struct {
	Version        string                                    `yaml:"version" json:"version"`
	Gates          Thresholds                                `yaml:"gates" json:"gates"`
	Approvals      map[contracts.RiskTier]gates.ApprovalRule `yaml:"approvals" json:"approvals"`
	AllowedOrigins []string                                  `yaml:"allowed_origins" json:"allowed_origins,omitempty"`
	Authorities    approval.Authorities                      `yaml:"authorities" json:"authorities"`
	RateLimits     RateLimits                                `yaml:"rate_limits" json:"rate_limits"`
	AgentTiers     map[string]int                            `yaml:"agent_tiers" json:"agent_tiers,omitempty"`
	Guardian       GuardianPolicy                            `yaml:"guardian" json:"guardian"`
	Tools          []tools.Tool                              `yaml:"tools" json:"tools,omitempty"`
}

// DefaultPolicy returns the built-in thresholds and approval table.
func DefaultPolicy() *Policy {
	gp := gates.DefaultPolicy()
	return &Policy{
		Version: "1",
		Gates: Thresholds{
			MinSourceConfidence: gp.MinSourceConfidence,
			DeferUncertainty:    gp.DeferUncertainty,
			CaveatUncertainty:   gp.CaveatUncertainty,
			MaxThreatScore:      gp.MaxThreatScore,
			GuardianTimeout:     gates.DefaultGuardianTimeout,
			RegistryTimeout:     gates.DefaultRegistryTimeout,
		},
		Approvals:   gp.Approvals,
		Authorities: approval.DefaultAuthorities(),
		RateLimits:  RateLimits{Default: registry.DefaultLimit},
		Guardian: GuardianPolicy{
			DefaultRules: true,
			Temporal:     true,
			Baseline:     guardian.Baseline.ThreatScore,
		},
	}
}

// LoadPolicy reads a YAML policy from path. Fields the file omits keep
// their DefaultPolicy values; map entries are merged over the defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// GatePolicy converts the file form to the gate stack's policy.
func (p *Policy) GatePolicy() gates.Policy {
	return gates.Policy{
		MinSourceConfidence: p.Gates.MinSourceConfidence,
		DeferUncertainty:    p.Gates.DeferUncertainty,
		CaveatUncertainty:   p.Gates.CaveatUncertainty,
		MaxThreatScore:      p.Gates.MaxThreatScore,
		Approvals:           p.Approvals,
	}
}

func (p *Policy) Validate() error {
	if err := p.GatePolicy().Validate(); err != nil {
		return err
	}
	if p.Gates.GuardianTimeout < 0 || p.Gates.RegistryTimeout < 0 {
		return fmt.Errorf("policy: timeouts must not be negative")
	}
	if p.Guardian.Baseline < 0 || p.Guardian.Baseline > 1 {
		return fmt.Errorf("policy: guardian baseline %v out of range [0,1]", p.Guardian.Baseline)
	}
	for agent, tier := range p.AgentTiers {
		if tier < 0 || tier > contracts.MaxTierRank {
			return fmt.Errorf("policy: agent %q tier %d out of range", agent, tier)
		}
	}
	for target, rule := range p.Approvals {
		if rule.Required {
			if _, ok := p.Authorities[rule.EscalateTo]; !ok {
				return fmt.Errorf("policy: tier %s escalates to %q which has no authority", target, rule.EscalateTo)
			}
		}
	}
	for tool, l := range p.RateLimits.Tools {
		if l.RPM <= 0 {
			return fmt.Errorf("policy: tool %q rate limit rpm must be positive", tool)
		}
	}
	return nil
}

// ToolRegistry registers every tool in the policy.
func (p *Policy) ToolRegistry() (*tools.Registry, error) {
	r := tools.NewRegistry()
	for _, t := range p.Tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// GuardianScorer assembles the local scorers the policy enables. remote, if
// non-nil, joins them; the highest score wins.
func (p *Policy) GuardianScorer(remote guardian.Scorer) (guardian.Scorer, error) {
	scorers := guardian.MaxScorer{guardian.Static{ThreatScore: p.Guardian.Baseline}}

	var rules []guardian.Rule
	if p.Guardian.DefaultRules {
		rules = append(rules, guardian.DefaultRules()...)
	}
	rules = append(rules, p.Guardian.Rules...)
	if len(rules) > 0 {
		rs, err := guardian.NewRuleScorer(rules)
		if err != nil {
			return nil, fmt.Errorf("policy: guardian rules: %w", err)
		}
		scorers = append(scorers, rs)
	}
	if p.Guardian.Temporal {
		scorers = append(scorers, guardian.NewTemporalScorer(guardian.DefaultLadder(), nil))
	}
	if remote != nil {
		scorers = append(scorers, remote)
	}
	return scorers, nil
}
