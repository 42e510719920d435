package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ApproverClaims are the JWT claims carried by approver bearer tokens.
type ApproverClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// TokenVerifier authenticates approvers from HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret []byte, issuer string) (*TokenVerifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("approver token secret must be at least 16 bytes")
	}
	return &TokenVerifier{secret: secret, issuer: issuer}, nil
}

// Verify parses and validates tokenStr and returns the approver it names.
func (v *TokenVerifier) Verify(tokenStr string) (Approver, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &ApproverClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Approver{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Approver{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Approver{}, errors.New("token subject is required")
	}
	return Approver{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue mints a token for ap valid for ttl.
func (v *TokenVerifier) Issue(ap Approver, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ApproverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ap.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: ap.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
