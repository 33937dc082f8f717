package auth

import (
	"errors"
	"testing"
	"time"

	"faceattend/internal/attendance"
)

func TestScopeFilterSubjectForcedToSelf(t *testing.T) {
	claims := Claims{Subject: "u1", Role: RoleSubject, TenantID: "t1"}
	requested := attendance.Filter{TenantID: "t9", SubjectIDs: []string{"someone-else"}}

	got, err := ScopeFilter(claims, []string{RoleSubject}, requested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.SubjectIDs) != 1 || got.SubjectIDs[0] != "u1" {
		t.Errorf("expected self-only filter, got %v", got.SubjectIDs)
	}
	if got.TenantID != "" {
		t.Errorf("tenant filter should be dropped for subjects, got %q", got.TenantID)
	}
}

func TestScopeFilterTenantAdminOverride(t *testing.T) {
	claims := Claims{Subject: "a1", Role: RoleTenantAdmin, TenantID: "t1"}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	requested := attendance.Filter{TenantID: "t2", From: from}

	got, err := ScopeFilter(claims, []string{RoleTenantAdmin, RoleGlobalAdmin}, requested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.TenantID != "t1" {
		t.Errorf("tenant admin must be pinned to own tenant, got %q", got.TenantID)
	}
	if !got.From.Equal(from) {
		t.Errorf("non-tenant filter fields must survive, got %v", got.From)
	}
}

func TestScopeFilterGlobalAdminPassthrough(t *testing.T) {
	claims := Claims{Subject: "g1", Role: RoleGlobalAdmin}
	requested := attendance.Filter{TenantID: "t2"}

	got, err := ScopeFilter(claims, []string{RoleTenantAdmin, RoleGlobalAdmin}, requested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.TenantID != "t2" {
		t.Errorf("global admin tenant filter must pass through, got %q", got.TenantID)
	}
}

func TestScopeFilterRoleOutsideAllowedSet(t *testing.T) {
	claims := Claims{Subject: "u1", Role: RoleSubject}

	_, err := ScopeFilter(claims, []string{RoleTenantAdmin, RoleGlobalAdmin}, attendance.Filter{})
	if !errors.Is(err, attendance.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestScopeFilterUnknownRole(t *testing.T) {
	claims := Claims{Subject: "u1", Role: "device"}

	_, err := ScopeFilter(claims, []string{"device"}, attendance.Filter{})
	if !errors.Is(err, attendance.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown role, got %v", err)
	}
}
