package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrGrantExpired marks a grant whose expiry has passed. It only ever
// excludes the grant from effective permissions.
var ErrGrantExpired = errors.New("grant expired")

// ErrGrantRevoked marks a grant removed by an operator
var ErrGrantRevoked = errors.New("grant revoked")

// Grant is a user-role edge. Expired and revoked grants are kept for history.
type Grant struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"userId" db:"user_id"`
	RoleID     uuid.UUID  `json:"roleId" db:"role_id"`
	AssignedBy *uuid.UUID `json:"assignedBy,omitempty" db:"assigned_by"`
	AssignedAt time.Time  `json:"assignedAt" db:"assigned_at"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// TableName returns the table name for the Grant model
func (Grant) TableName() string {
	return "user_roles"
}

// NewGrant creates an active grant
func NewGrant(userID, roleID uuid.UUID, assignedBy *uuid.UUID, expiresAt *time.Time) *Grant {
	return &Grant{
		ID:         uuid.New(),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: time.Now(),
		ExpiresAt:  expiresAt,
	}
}

// Liveness returns nil for a live grant, ErrGrantRevoked or ErrGrantExpired otherwise
func (g *Grant) Liveness(now time.Time) error {
	if g.RevokedAt != nil {
		return ErrGrantRevoked
	}
	return expiryLiveness(g.ExpiresAt, now)
}

// IsLive reports whether the grant currently confers its role
func (g *Grant) IsLive(now time.Time) bool {
	return g.Liveness(now) == nil
}

func expiryLiveness(expiresAt *time.Time, now time.Time) error {
	if expiresAt != nil && !expiresAt.After(now) {
		return ErrGrantExpired
	}
	return nil
}

// GrantState names the lifecycle state of a grant at a point in time
type GrantState string

const (
	GrantStateActive  GrantState = "active"
	GrantStateExpired GrantState = "expired"
	GrantStateRevoked GrantState = "revoked"
)

// State computes the grant state at now
func (g *Grant) State(now time.Time) GrantState {
	switch g.Liveness(now) {
	case nil:
		return GrantStateActive
	case ErrGrantRevoked:
		return GrantStateRevoked
	default:
		return GrantStateExpired
	}
}

// UserGrant is a grant joined with its role for listings
type UserGrant struct {
	Grant
	RoleName string     `json:"roleName"`
	RoleCode string     `json:"roleCode"`
	State    GrantState `json:"state"`
}
