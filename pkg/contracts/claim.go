package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ClaimType classifies a claim's epistemic status.
type ClaimType string

const (
	ClaimFact      ClaimType = "FACT"
	ClaimInference ClaimType = "INFERENCE"
	ClaimDecision  ClaimType = "DECISION"
)

// Valid reports whether t is one of the known claim types.
func (t ClaimType) Valid() bool {
	switch t {
	case ClaimFact, ClaimInference, ClaimDecision:
		return true
	}
	return false
}

// UncertaintyMethod names how an uncertainty value was estimated.
type UncertaintyMethod string

const (
	MethodSemanticEntropy   UncertaintyMethod = "semantic_entropy"
	MethodModelDisagreement UncertaintyMethod = "model_disagreement"
	MethodConfidenceScore   UncertaintyMethod = "confidence_score"
	MethodConformalSet      UncertaintyMethod = "conformal_set"
)

func (m UncertaintyMethod) Valid() bool {
	switch m {
	case MethodSemanticEntropy, MethodModelDisagreement, MethodConfidenceScore, MethodConformalSet:
		return true
	}
	return false
}

// GateRecommendation is the estimator's advisory verdict. Gates never read it.
type GateRecommendation string

const (
	RecommendExecute GateRecommendation = "EXECUTE"
	RecommendDefer   GateRecommendation = "DEFER"
	RecommendRefuse  GateRecommendation = "REFUSE"
	RecommendExplain GateRecommendation = "EXPLAIN"
)

func (r GateRecommendation) Valid() bool {
	switch r {
	case RecommendExecute, RecommendDefer, RecommendRefuse, RecommendExplain:
		return true
	}
	return false
}

// RiskTier orders actions by reversibility and sensitivity.
type RiskTier string

const (
	TierReadOnly     RiskTier = "READ_ONLY"
	TierWriteLimited RiskTier = "WRITE_LIMITED"
	TierModify       RiskTier = "MODIFY"
	TierDelete       RiskTier = "DELETE"
	TierPrivilege    RiskTier = "PRIVILEGE"
)

// MaxTierRank is the rank of the most sensitive tier.
const MaxTierRank = 4

var tierRanks = map[RiskTier]int{
	TierReadOnly:     0,
	TierWriteLimited: 1,
	TierModify:       2,
	TierDelete:       3,
	TierPrivilege:    4,
}

// Rank returns the ordinal of the tier (READ_ONLY=0 .. PRIVILEGE=4), or -1
// for an unknown tier.
func (t RiskTier) Rank() int {
	r, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return r
}

func (t RiskTier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// TierForRank maps an ordinal back to its tier name.
func TierForRank(rank int) (RiskTier, bool) {
	for t, r := range tierRanks {
		if r == rank {
			return t, true
		}
	}
	return "", false
}

// EvidencePointer references supporting material for a claim. The hash is
// supplied by the evidence collaborator and is never recomputed here.
type EvidencePointer struct {
	Source           string    `json:"source"`
	SourceConfidence float64   `json:"source_confidence"`
	EvidenceHash     string    `json:"evidence_hash"`
	RetrievedAt      time.Time `json:"retrieved_at"`
}

// Uncertainty is a precomputed uncertainty estimate for one claim.
type Uncertainty struct {
	Method             UncertaintyMethod  `json:"method"`
	Value              float64            `json:"value"`
	Interpretation     string             `json:"interpretation"`
	GateRecommendation GateRecommendation `json:"gate_recommendation"`
}

// Claim is an atomic statement subject to gate evaluation.
type Claim struct {
	ID               string            `json:"id"`
	Statement        string            `json:"statement"`
	ClaimType        ClaimType         `json:"claim_type"`
	EvidencePointers []EvidencePointer `json:"evidence_pointers"`
	Uncertainty      Uncertainty       `json:"uncertainty"`
	RiskTier         RiskTier          `json:"risk_tier"`
	IfWrongCost      string            `json:"if_wrong_cost"`
}

// NewClaim builds a claim with a fresh id and a confidence_score
// uncertainty whose recommendation is left for the caller to refine.
func NewClaim(claimType ClaimType, statement string, tier RiskTier, uncertainty float64, evidence ...EvidencePointer) Claim {
	if evidence == nil {
		evidence = []EvidencePointer{}
	}
	return Claim{
		ID:               uuid.NewString(),
		Statement:        statement,
		ClaimType:        claimType,
		EvidencePointers: evidence,
		Uncertainty: Uncertainty{
			Method:             MethodConfidenceScore,
			Value:              uncertainty,
			GateRecommendation: RecommendExecute,
		},
		RiskTier: tier,
	}
}

// MaxSourceConfidence returns the highest source confidence among the
// claim's evidence pointers, or 0 when there is none.
func (c Claim) MaxSourceConfidence() float64 {
	var best float64
	for _, ep := range c.EvidencePointers {
		if ep.SourceConfidence > best {
			best = ep.SourceConfidence
		}
	}
	return best
}
