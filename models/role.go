package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	MinRoleLevel = 1
	MaxRoleLevel = 100
)

// Role bundles permissions under a code. Level orders roles for display only.
type Role struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	Code        string       `json:"code" db:"code"`
	Description string       `json:"description" db:"description"`
	Level       int          `json:"level" db:"level"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"isSystem" db:"is_system"`
	IsActive    bool         `json:"isActive" db:"is_active"`
	UserCount   int          `json:"userCount" db:"user_count"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time    `json:"updatedAt" db:"updated_at"`
}

// TableName returns the table name for the Role model
func (Role) TableName() string {
	return "roles"
}

// NewRole creates an active custom role with no users
func NewRole(name, code, description string, level int) *Role {
	now := time.Now()
	return &Role{
		ID:          uuid.New(),
		Name:        name,
		Code:        code,
		Description: description,
		Level:       level,
		Permissions: []Permission{},
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// PermissionCodes returns the codes of the role's permissions
func (r *Role) PermissionCodes() []string {
	codes := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		codes = append(codes, p.Code)
	}
	return codes
}

// PermissionIDs returns the ids of the role's permissions
func (r *Role) PermissionIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		ids = append(ids, p.ID)
	}
	return ids
}

// RolePatch carries the fields of a partial role update; nil means unchanged
type RolePatch struct {
	Name        *string
	Code        *string
	Description *string
	Level       *int
	IsActive    *bool
	IsSystem    *bool
}

// TouchesImmutable reports whether the patch would change a field that is
// frozen on system roles
func (p RolePatch) TouchesImmutable(r *Role) bool {
	if p.Code != nil && *p.Code != r.Code {
		return true
	}
	return p.IsSystem != nil && *p.IsSystem != r.IsSystem
}

// Apply merges the patch into r and bumps UpdatedAt. It returns the names of
// the fields that changed.
func (p RolePatch) Apply(r *Role, now time.Time) []string {
	var changed []string
	if p.Name != nil && *p.Name != r.Name {
		r.Name = *p.Name
		changed = append(changed, "name")
	}
	if p.Code != nil && *p.Code != r.Code {
		r.Code = *p.Code
		changed = append(changed, "code")
	}
	if p.Description != nil && *p.Description != r.Description {
		r.Description = *p.Description
		changed = append(changed, "description")
	}
	if p.Level != nil && *p.Level != r.Level {
		r.Level = *p.Level
		changed = append(changed, "level")
	}
	if p.IsActive != nil && *p.IsActive != r.IsActive {
		r.IsActive = *p.IsActive
		changed = append(changed, "isActive")
	}
	if p.IsSystem != nil && *p.IsSystem != r.IsSystem {
		r.IsSystem = *p.IsSystem
		changed = append(changed, "isSystem")
	}
	r.UpdatedAt = now
	return changed
}

// RoleFilter narrows role listings
type RoleFilter struct {
	Search   string
	IsActive *bool
}
