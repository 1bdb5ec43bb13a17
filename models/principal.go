package models

import (
	"time"

	"github.com/google/uuid"
)

// PrincipalRole is a role held by a principal together with its grant metadata
type PrincipalRole struct {
	Role       Role       `json:"role"`
	AssignedAt time.Time  `json:"assignedAt"`
	AssignedBy *uuid.UUID `json:"assignedBy,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Liveness returns ErrGrantExpired once the grant's expiry has passed
func (r PrincipalRole) Liveness(now time.Time) error {
	return expiryLiveness(r.ExpiresAt, now)
}

// Principal is an authenticated identity snapshot. It is treated as immutable
// once published to a session.
type Principal struct {
	User  User            `json:"user"`
	Roles []PrincipalRole `json:"roles"`
}

// ID returns the principal's user id
func (p *Principal) ID() uuid.UUID {
	return p.User.ID
}

// Operator identifies who performed a mutation, for audit entries
type Operator struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// OperatorFrom builds an Operator from a principal
func OperatorFrom(p *Principal) Operator {
	if p == nil {
		return Operator{Name: "system"}
	}
	return Operator{ID: p.User.ID, Name: p.User.DisplayName()}
}

// SystemOperator is used for seeding and other unattended mutations
var SystemOperator = Operator{Name: "system"}

// IDPtr returns the operator id or nil for the system operator
func (o Operator) IDPtr() *uuid.UUID {
	if o.ID == uuid.Nil {
		return nil
	}
	id := o.ID
	return &id
}
