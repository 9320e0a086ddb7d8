package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Reviewer roles carried in token claims.
const (
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// MaxTokenTTL caps reviewer token lifetime.
const MaxTokenTTL = time.Hour

// Claims are the reviewer-token claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTManager signs and validates reviewer tokens with Ed25519. The pair is
// ephemeral: reviewer sessions do not outlive the gateway process.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewJWTManager generates a fresh signing pair.
func NewJWTManager() (*JWTManager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate jwt key pair: %w", err)
	}
	return &JWTManager{privateKey: priv, publicKey: pub}, nil
}

// IssueToken creates a signed reviewer token. TTL is capped at MaxTokenTTL.
func (m *JWTManager) IssueToken(subject, role string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "veritas",
			Audience:  jwt.ClaimStrings{"veritas"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a reviewer token.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("veritas"),
		jwt.WithIssuer("veritas"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}
