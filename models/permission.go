package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the verb half of a permission code
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// Valid reports whether a is one of the catalog actions
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage:
		return true
	}
	return false
}

// CodeKind distinguishes exact codes from wildcards
type CodeKind int

const (
	CodeExact CodeKind = iota
	CodeResourceWildcard
	CodeUniversal
)

const wildcard = "*"

// PermissionCode is a parsed `resource:action` code.
// The zero value is invalid; build codes with ParseCode.
type PermissionCode struct {
	kind     CodeKind
	resource string
	action   string
}

// UniversalCode is the `*` code held implicitly by superusers
var UniversalCode = PermissionCode{kind: CodeUniversal}

// ParseCode parses `*`, `resource:*` or `resource:action`
func ParseCode(raw string) (PermissionCode, error) {
	s := strings.TrimSpace(raw)
	if s == wildcard {
		return UniversalCode, nil
	}

	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return PermissionCode{}, fmt.Errorf("invalid permission code %q", raw)
	}
	if resource == wildcard {
		return PermissionCode{}, fmt.Errorf("invalid permission code %q: resource cannot be a wildcard", raw)
	}
	if action == wildcard {
		return PermissionCode{kind: CodeResourceWildcard, resource: resource}, nil
	}
	return PermissionCode{kind: CodeExact, resource: resource, action: action}, nil
}

// MustCode is ParseCode for literals known to be valid
func MustCode(raw string) PermissionCode {
	code, err := ParseCode(raw)
	if err != nil {
		panic(err)
	}
	return code
}

// Kind returns the code kind
func (c PermissionCode) Kind() CodeKind { return c.kind }

// Resource returns the resource part, empty for the universal code
func (c PermissionCode) Resource() string { return c.resource }

// Action returns the action part, empty for wildcards
func (c PermissionCode) Action() string { return c.action }

// IsZero reports whether c was never parsed
func (c PermissionCode) IsZero() bool {
	return c.kind == CodeExact && c.resource == ""
}

// Subsumes reports whether holding c grants other.
// `*` subsumes everything, `resource:*` subsumes any code on the same resource
// and an exact code subsumes only itself.
func (c PermissionCode) Subsumes(other PermissionCode) bool {
	if c.IsZero() || other.IsZero() {
		return false
	}
	switch c.kind {
	case CodeUniversal:
		return true
	case CodeResourceWildcard:
		return other.kind != CodeUniversal && other.resource == c.resource
	default:
		return other.kind == CodeExact && other.resource == c.resource && other.action == c.action
	}
}

// String renders the canonical form
func (c PermissionCode) String() string {
	switch c.kind {
	case CodeUniversal:
		return wildcard
	case CodeResourceWildcard:
		return c.resource + ":" + wildcard
	default:
		if c.resource == "" {
			return ""
		}
		return c.resource + ":" + c.action
	}
}

// Permission is a catalog entry
type Permission struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	Resource    string    `json:"resource" db:"resource"`
	Action      Action    `json:"action" db:"action"`
	Category    string    `json:"category" db:"category"`
	Description string    `json:"description,omitempty" db:"description"`
	IsSystem    bool      `json:"isSystem" db:"is_system"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the table name for the Permission model
func (Permission) TableName() string {
	return "permissions"
}

// NewPermission creates a custom permission from a `resource:action` code
func NewPermission(code, name, category, description string) (*Permission, error) {
	parsed, err := ParseCode(code)
	if err != nil {
		return nil, err
	}
	if parsed.Kind() != CodeExact {
		return nil, fmt.Errorf("custom permission %q must be an exact code", code)
	}
	action := Action(parsed.Action())
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", parsed.Action())
	}

	return &Permission{
		ID:          uuid.New(),
		Code:        parsed.String(),
		Name:        name,
		Resource:    parsed.Resource(),
		Action:      action,
		Category:    category,
		Description: description,
		CreatedAt:   time.Now(),
	}, nil
}

// PermissionFilter narrows permission listings. Resource and Action match
// exactly; Search is a case-insensitive substring of the code, name,
// description or category.
type PermissionFilter struct {
	Search   string
	Resource string
	Action   string
}

// Matches reports whether p passes the filter
func (f PermissionFilter) Matches(p Permission) bool {
	if f.Resource != "" && p.Resource != f.Resource {
		return false
	}
	if f.Action != "" && string(p.Action) != f.Action {
		return false
	}
	if f.Search == "" {
		return true
	}
	term := strings.ToLower(f.Search)
	for _, field := range []string{p.Code, p.Name, p.Description, p.Category} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// PermissionCategory groups catalog entries for tree views
type PermissionCategory struct {
	Category    string       `json:"category"`
	Permissions []Permission `json:"permissions"`
}

// PermissionStats summarizes the catalog and the role table
type PermissionStats struct {
	TotalPermissions      int            `json:"totalPermissions"`
	TotalRoles            int            `json:"totalRoles"`
	ActiveRoles           int            `json:"activeRoles"`
	SystemRoles           int            `json:"systemRoles"`
	CustomRoles           int            `json:"customRoles"`
	PermissionsByCategory map[string]int `json:"permissionsByCategory"`
}
