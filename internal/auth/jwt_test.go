package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	token, exp, err := Issue("u1", RoleTenantAdmin, "t1", "faceattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry should be in the future, got %v", exp)
	}

	claims, err := Parse(token, "secret", "faceattend")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != RoleTenantAdmin || claims.TenantID != "t1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, _, err := Issue("u1", RoleSubject, "", "faceattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := Parse(token, "other-secret", "faceattend"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	token, _, err := Issue("u1", RoleSubject, "", "someone-else", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := Parse(token, "secret", "faceattend"); err == nil {
		t.Fatal("expected issuer mismatch error")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, _, err := Issue("u1", RoleSubject, "", "faceattend", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := Parse(token, "secret", "faceattend"); err == nil {
		t.Fatal("expected expiry error")
	}
}
