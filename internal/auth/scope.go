package auth

import (
	"faceattend/internal/attendance"
)

// ScopeFilter maps the caller's role and tenant claim onto the filter they
// are permitted to query with. A role outside the allowed set is rejected
// before any filter construction; the request never reaches data access.
func ScopeFilter(claims Claims, allowed []string, requested attendance.Filter) (attendance.Filter, error) {
	permitted := false
	for _, role := range allowed {
		if claims.Role == role {
			permitted = true
			break
		}
	}
	if !permitted {
		return attendance.Filter{}, attendance.ErrForbidden
	}

	switch claims.Role {
	case RoleSubject:
		// Self-only: whatever was requested collapses to the caller.
		return attendance.Filter{SubjectIDs: []string{claims.Subject}}, nil
	case RoleTenantAdmin:
		// Tenant parameter in the request is silently overridden.
		requested.TenantID = claims.TenantID
		return requested, nil
	case RoleGlobalAdmin:
		return requested, nil
	}
	return attendance.Filter{}, attendance.ErrForbidden
}
