package access

import (
	"github.com/upb/backoffice-authz/models"
)

// InsufficientPermission is rendered by a gate that denies without a fallback
const InsufficientPermission = "You do not have permission to view this content."

// Mode combines the entries of one requirement list
type Mode string

const (
	ModeAll Mode = "all"
	ModeAny Mode = "any"
)

// Render is what a gate shows
type Render int

const (
	RenderContent Render = iota
	RenderFallback
	RenderPlaceholder
)

// Gate hides a fragment of a view. Mode applies to Permissions and Roles
// separately and both lists must pass.
type Gate struct {
	Permissions []string `json:"permissions,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Mode        Mode     `json:"mode"`
}

// Allows reports whether principal passes the gate. Signed-out, disabled and
// unverified principals never do, as with the route guard.
func (g Gate) Allows(d *Decider, principal *models.Principal) bool {
	if principal == nil || !principal.User.IsActive || !principal.User.IsVerified {
		return false
	}

	now := d.Now()
	if g.Mode == ModeAny {
		return CheckAny(principal, g.Permissions, now) && HasAnyRole(principal, g.Roles, now)
	}
	return CheckAll(principal, g.Permissions, now) && HasAllRoles(principal, g.Roles, now)
}

// Select picks what to render for principal
func (g Gate) Select(d *Decider, principal *models.Principal, hasFallback bool) Render {
	switch {
	case g.Allows(d, principal):
		return RenderContent
	case hasFallback:
		return RenderFallback
	default:
		return RenderPlaceholder
	}
}
