package access

import (
	"fmt"
	"strings"
	"time"

	"github.com/upb/backoffice-authz/models"
)

// EffectivePermissions returns the permission codes principal holds at now.
// A superuser holds exactly the universal code.
func EffectivePermissions(principal *models.Principal, now time.Time) []string {
	switch level := LevelOf(principal, now).(type) {
	case Superuser:
		return []string{models.UniversalCode.String()}
	case Standard:
		return level.codes()
	}
	return nil
}

// HasPermission reports whether principal holds code directly or through a
// wildcard. Malformed codes are never held.
func HasPermission(principal *models.Principal, code string, now time.Time) bool {
	return Check(principal, code, now).Allowed
}

// HasRole reports whether a live grant of principal matches the role name or
// code. Superusers get no implicit roles.
func HasRole(principal *models.Principal, nameOrCode string, now time.Time) bool {
	return standardRoles(principal, now).hasRole(nameOrCode)
}

// CheckAll reports whether principal holds every code. An empty list passes.
func CheckAll(principal *models.Principal, codes []string, now time.Time) bool {
	return len(MissingPermissions(principal, codes, now)) == 0
}

// CheckAny reports whether principal holds at least one code. An empty list
// passes.
func CheckAny(principal *models.Principal, codes []string, now time.Time) bool {
	if len(codes) == 0 {
		return true
	}
	for _, code := range codes {
		if HasPermission(principal, code, now) {
			return true
		}
	}
	return false
}

// MissingPermissions returns the codes of the list principal does not hold,
// in list order
func MissingPermissions(principal *models.Principal, codes []string, now time.Time) []string {
	var missing []string
	for _, code := range codes {
		if !HasPermission(principal, code, now) {
			missing = append(missing, code)
		}
	}
	return missing
}

// HasAnyRole reports whether principal holds one of roles. An empty list
// passes.
func HasAnyRole(principal *models.Principal, roles []string, now time.Time) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if HasRole(principal, role, now) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether principal holds every role. An empty list
// passes.
func HasAllRoles(principal *models.Principal, roles []string, now time.Time) bool {
	for _, role := range roles {
		if !HasRole(principal, role, now) {
			return false
		}
	}
	return true
}

// IsAdmin reports whether principal is a superuser or holds adminRole
func IsAdmin(principal *models.Principal, adminRole string, now time.Time) bool {
	if _, ok := LevelOf(principal, now).(Superuser); ok {
		return true
	}
	return adminRole != "" && HasRole(principal, adminRole, now)
}

// PermissionCheckResult explains a single permission decision
type PermissionCheckResult struct {
	Allowed         bool     `json:"allowed"`
	Permission      string   `json:"permission"`
	Reason          string   `json:"reason"`
	HeldPermissions []string `json:"heldPermissions"`
}

// Check decides code for principal and says why
func Check(principal *models.Principal, code string, now time.Time) PermissionCheckResult {
	result := PermissionCheckResult{
		Permission:      strings.TrimSpace(code),
		HeldPermissions: EffectivePermissions(principal, now),
	}

	want, err := models.ParseCode(code)
	if err != nil {
		result.Reason = fmt.Sprintf("invalid permission code %q", code)
		return result
	}

	switch level := LevelOf(principal, now).(type) {
	case Superuser:
		result.Allowed = true
		result.Reason = "superuser"
	case Standard:
		role, held, ok := level.grantedBy(want)
		switch {
		case !ok:
			result.Reason = fmt.Sprintf("no active role grants %s", want)
		case held == want.String():
			result.Allowed = true
			result.Reason = fmt.Sprintf("granted by role %s", role.Code)
		default:
			result.Allowed = true
			result.Reason = fmt.Sprintf("granted by %s on role %s", held, role.Code)
		}
	}
	return result
}

// standardRoles returns the live roles of principal ignoring the superuser bit
func standardRoles(principal *models.Principal, now time.Time) Standard {
	if principal == nil {
		return Standard{}
	}
	plain := *principal
	plain.User.IsSuperuser = false
	return LevelOf(&plain, now).(Standard)
}

// Decider binds the decision functions to a clock and the admin role code
type Decider struct {
	now       func() time.Time
	adminRole string
}

// NewDecider creates a Decider. A nil clock means time.Now.
func NewDecider(adminRole string, now func() time.Time) *Decider {
	if now == nil {
		now = time.Now
	}
	return &Decider{now: now, adminRole: adminRole}
}

// Now returns the decider's clock reading
func (d *Decider) Now() time.Time { return d.now() }

func (d *Decider) EffectivePermissions(principal *models.Principal) []string {
	return EffectivePermissions(principal, d.now())
}

func (d *Decider) HasPermission(principal *models.Principal, code string) bool {
	return HasPermission(principal, code, d.now())
}

func (d *Decider) HasRole(principal *models.Principal, nameOrCode string) bool {
	return HasRole(principal, nameOrCode, d.now())
}

func (d *Decider) CheckAll(principal *models.Principal, codes []string) bool {
	return CheckAll(principal, codes, d.now())
}

func (d *Decider) CheckAny(principal *models.Principal, codes []string) bool {
	return CheckAny(principal, codes, d.now())
}

func (d *Decider) IsAdmin(principal *models.Principal) bool {
	return IsAdmin(principal, d.adminRole, d.now())
}

func (d *Decider) Check(principal *models.Principal, code string) PermissionCheckResult {
	return Check(principal, code, d.now())
}
