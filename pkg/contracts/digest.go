package contracts

import (
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/claimgate/pkg/canonicalize"
)

type digestClaim struct {
	ID          string            `json:"id"`
	Statement   string            `json:"statement"`
	ClaimType   ClaimType         `json:"claim_type"`
	Evidence    []EvidencePointer `json:"evidence_pointers"`
	Uncertainty float64           `json:"uncertainty"`
	RiskTier    RiskTier          `json:"risk_tier"`
}

// Digest is the canonical SHA-256 over the bundle's identity and claims.
// Statements are NFC-normalised so equivalent Unicode spellings match.
// Decision and trail are excluded: re-evaluation does not change it.
func (b *ClaimBundle) Digest() (string, error) {
	claims := make([]digestClaim, len(b.Claims))
	for i, c := range b.Claims {
		claims[i] = digestClaim{
			ID:          c.ID,
			Statement:   norm.NFC.String(c.Statement),
			ClaimType:   c.ClaimType,
			Evidence:    c.EvidencePointers,
			Uncertainty: c.Uncertainty.Value,
			RiskTier:    c.RiskTier,
		}
	}
	return canonicalize.PrefixedHash(struct {
		ID     string        `json:"id"`
		Origin OriginAgent   `json:"origin_agent"`
		Claims []digestClaim `json:"claims"`
	}{b.ID, b.OriginAgent, claims})
}
