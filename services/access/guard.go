package access

import (
	"github.com/upb/backoffice-authz/models"
)

// RouteState is the outcome of a route guard evaluation
type RouteState string

const (
	StateLoading               RouteState = "loading"
	StateGranted               RouteState = "granted"
	StateDeniedUnauthenticated RouteState = "denied-unauthenticated"
	StateDeniedDisabled        RouteState = "denied-disabled"
	StateDeniedUnverified      RouteState = "denied-unverified"
	StateDeniedPermission      RouteState = "denied-permission"
	StateDeniedRole            RouteState = "denied-role"
)

// Identity is what an enforcement point knows about the caller. A nil
// Principal outside of Loading means nobody is signed in.
type Identity struct {
	Loading   bool
	Principal *models.Principal
}

// Requirements lists what a route needs. Every permission is required; any
// one of the roles is enough.
type Requirements struct {
	Permissions []string
	Roles       []string
}

// IsZero reports whether the route only needs a signed-in principal
func (r Requirements) IsZero() bool {
	return len(r.Permissions) == 0 && len(r.Roles) == 0
}

// RouteDecision is the guard's verdict with what was missing
type RouteDecision struct {
	State              RouteState `json:"state"`
	MissingPermissions []string   `json:"missingPermissions,omitempty"`
	MissingRoles       []string   `json:"missingRoles,omitempty"`
}

// Granted reports whether the guarded content may be served
func (d RouteDecision) Granted() bool {
	return d.State == StateGranted
}

// Guard gates whole routes
type Guard struct {
	decider *Decider
}

// NewGuard creates a Guard over decider
func NewGuard(decider *Decider) *Guard {
	return &Guard{decider: decider}
}

// Decide evaluates req for the caller. Account state is checked before any
// requirement, so a disabled superuser is still denied.
func (g *Guard) Decide(id Identity, req Requirements) RouteDecision {
	switch {
	case id.Loading:
		return RouteDecision{State: StateLoading}
	case id.Principal == nil:
		return RouteDecision{State: StateDeniedUnauthenticated}
	case !id.Principal.User.IsActive:
		return RouteDecision{State: StateDeniedDisabled}
	case !id.Principal.User.IsVerified:
		return RouteDecision{State: StateDeniedUnverified}
	}

	now := g.decider.Now()
	decision := RouteDecision{
		MissingPermissions: MissingPermissions(id.Principal, req.Permissions, now),
	}
	if !HasAnyRole(id.Principal, req.Roles, now) {
		decision.MissingRoles = append([]string(nil), req.Roles...)
	}

	switch {
	case len(decision.MissingPermissions) > 0:
		decision.State = StateDeniedPermission
	case len(decision.MissingRoles) > 0:
		decision.State = StateDeniedRole
	default:
		decision.State = StateGranted
	}
	return decision
}
