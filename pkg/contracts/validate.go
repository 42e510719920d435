package contracts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidBundle marks structural errors. Policy outcomes never use it.
var ErrInvalidBundle = errors.New("invalid claim bundle")

// supportedSchema is the range of wire versions this build can evaluate.
var supportedSchema = mustConstraint(">=1.0.0, <2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ValidationError collects every structural problem found in a bundle.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidBundle, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidBundle }

func (e *ValidationError) add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// Validate checks the bundle's structure. Evidence sufficiency of FACT claims
// is a policy question for the evidence gate and is not checked here.
func (b *ClaimBundle) Validate() error {
	if b == nil {
		return &ValidationError{Issues: []string{"bundle is nil"}}
	}
	v := &ValidationError{}

	if strings.TrimSpace(b.ID) == "" {
		v.add("id is required")
	}
	if b.SchemaVersion != "" {
		ver, err := semver.NewVersion(b.SchemaVersion)
		switch {
		case err != nil:
			v.add("schema_version %q is not a semantic version", b.SchemaVersion)
		case !supportedSchema.Check(ver):
			v.add("schema_version %s is not supported", b.SchemaVersion)
		}
	}
	if strings.TrimSpace(b.OriginAgent.ID) == "" {
		v.add("origin_agent.id is required")
	}
	if b.OriginAgent.Tier < 0 || b.OriginAgent.Tier > MaxTierRank {
		v.add("origin_agent.tier %d out of range 0..%d", b.OriginAgent.Tier, MaxTierRank)
	}
	if b.Decision != "" && !b.Decision.Valid() {
		v.add("decision %q is not recognised", b.Decision)
	}
	if len(b.Claims) == 0 {
		v.add("claims must not be empty")
	}

	seen := make(map[string]bool, len(b.Claims))
	for i, c := range b.Claims {
		validateClaim(v, i, c)
		if c.ID != "" {
			if seen[c.ID] {
				v.add("claims[%d]: duplicate id %q", i, c.ID)
			}
			seen[c.ID] = true
		}
	}
	for i, a := range b.AuditTrail.HumanApprovals {
		if a.Approver == "" {
			v.add("audit_trail.human_approvals[%d]: approver is required", i)
		}
		if !a.Decision.Valid() {
			v.add("audit_trail.human_approvals[%d]: decision %q is not recognised", i, a.Decision)
		}
	}

	if len(v.Issues) > 0 {
		return v
	}
	return nil
}

func validateClaim(v *ValidationError, i int, c Claim) {
	if strings.TrimSpace(c.ID) == "" {
		v.add("claims[%d]: id is required", i)
	}
	if !c.ClaimType.Valid() {
		v.add("claims[%d]: claim_type %q is not recognised", i, c.ClaimType)
	}
	if !c.RiskTier.Valid() {
		v.add("claims[%d]: risk_tier %q is not recognised", i, c.RiskTier)
	}
	u := c.Uncertainty
	if !inUnit(u.Value) {
		v.add("claims[%d]: uncertainty.value %v out of range [0,1]", i, u.Value)
	}
	if u.Method != "" && !u.Method.Valid() {
		v.add("claims[%d]: uncertainty.method %q is not recognised", i, u.Method)
	}
	if u.GateRecommendation != "" && !u.GateRecommendation.Valid() {
		v.add("claims[%d]: uncertainty.gate_recommendation %q is not recognised", i, u.GateRecommendation)
	}
	for j, ep := range c.EvidencePointers {
		if strings.TrimSpace(ep.Source) == "" {
			v.add("claims[%d].evidence_pointers[%d]: source is required", i, j)
		}
		if strings.TrimSpace(ep.EvidenceHash) == "" {
			v.add("claims[%d].evidence_pointers[%d]: evidence_hash is required", i, j)
		}
		if !inUnit(ep.SourceConfidence) {
			v.add("claims[%d].evidence_pointers[%d]: source_confidence %v out of range [0,1]", i, j, ep.SourceConfidence)
		}
	}
}

// inUnit rejects NaN as well as values outside [0,1].
func inUnit(f float64) bool {
	return f >= 0 && f <= 1
}
