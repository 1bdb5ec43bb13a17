// Package access answers authorization questions over a principal snapshot.
//
// Decisions are pure: they read the roles cached on the principal at load
// time and never touch storage. Grant expiry is evaluated against the clock
// on every call, so a cached snapshot stops conferring an expired role
// without being reloaded.
package access

import (
	"sort"
	"time"

	"github.com/upb/backoffice-authz/models"
)

// AccessLevel is either Standard or Superuser
type AccessLevel interface {
	accessLevel()
}

// Standard access derives from the principal's live roles
type Standard struct {
	Roles []models.Role
}

// Superuser access holds every permission regardless of roles
type Superuser struct{}

func (Standard) accessLevel()  {}
func (Superuser) accessLevel() {}

// LevelOf classifies principal at now. Expired grants are dropped from the
// Standard role set; a nil principal has no roles.
func LevelOf(principal *models.Principal, now time.Time) AccessLevel {
	if principal == nil {
		return Standard{}
	}
	if principal.User.IsSuperuser {
		return Superuser{}
	}

	roles := make([]models.Role, 0, len(principal.Roles))
	for _, held := range principal.Roles {
		if held.Liveness(now) != nil {
			continue
		}
		roles = append(roles, held.Role)
	}
	return Standard{Roles: roles}
}

// codes returns the sorted union of permission codes across the roles
func (s Standard) codes() []string {
	seen := make(map[string]struct{})
	for _, role := range s.Roles {
		for _, p := range role.Permissions {
			seen[p.Code] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// grantedBy returns the first role and held code that subsume want
func (s Standard) grantedBy(want models.PermissionCode) (*models.Role, string, bool) {
	for i := range s.Roles {
		for _, p := range s.Roles[i].Permissions {
			held, err := models.ParseCode(p.Code)
			if err != nil {
				continue
			}
			if held.Subsumes(want) {
				return &s.Roles[i], p.Code, true
			}
		}
	}
	return nil, "", false
}

func (s Standard) hasRole(nameOrCode string) bool {
	for _, role := range s.Roles {
		if role.Code == nameOrCode || role.Name == nameOrCode {
			return true
		}
	}
	return false
}
