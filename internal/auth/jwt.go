package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims are the claims carried by the token an agent presents when
// opening its control stream, scoping it to exactly one sandbox.
type AgentClaims struct {
	jwt.RegisteredClaims
	SandboxID string `json:"sandbox_id"`
}

// JWTIssuer issues and validates sandbox-scoped control-stream tokens.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates a new JWT issuer with the given shared secret.
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// IssueAgentToken creates a token the server hands the container at
// create time (via env) so the agent can authenticate its control-stream
// connection back.
func (j *JWTIssuer) IssueAgentToken(sandboxID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "opensandboxd",
			Subject:   sandboxID,
		},
		SandboxID: sandboxID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateAgentToken parses and validates an agent control-stream token.
func (j *JWTIssuer) ValidateAgentToken(tokenStr string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AgentClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
