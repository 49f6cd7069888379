package auth

import (
	"testing"
	"time"
)

func TestJWTIssuer_IssueAndValidate(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")

	token, err := issuer.IssueAgentToken("sbx_abc123", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	claims, err := issuer.ValidateAgentToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.SandboxID != "sbx_abc123" {
		t.Errorf("expected sandbox id sbx_abc123, got %s", claims.SandboxID)
	}
}

func TestJWTIssuer_ExpiredToken(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")

	token, err := issuer.IssueAgentToken("sbx_abc123", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := issuer.ValidateAgentToken(token); err == nil {
		t.Error("expected validation to fail for expired token")
	}
}

func TestJWTIssuer_WrongSecret(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")
	other := NewJWTIssuer("other-secret")

	token, err := issuer.IssueAgentToken("sbx_abc123", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := other.ValidateAgentToken(token); err == nil {
		t.Error("expected validation to fail with wrong secret")
	}
}

func TestJWTIssuer_MalformedToken(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")

	if _, err := issuer.ValidateAgentToken("not-a-jwt"); err == nil {
		t.Error("expected validation to fail for malformed token")
	}
}
