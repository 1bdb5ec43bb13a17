// Package catalog holds the built-in permission catalog and system roles
// seeded into the store at startup.
package catalog

import (
	_ "embed"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// namespace derives stable ids for seeded entries so reseeding is idempotent
var namespace = uuid.MustParse("8f6c2b1e-4a7d-4c3e-9b52-1d0e7a6f3c90")

// PermissionSpec is a catalog permission definition
type PermissionSpec struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// RoleSpec is a built-in role definition
type RoleSpec struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	Permissions []string `yaml:"permissions"`
}

// Catalog is the parsed seed document
type Catalog struct {
	Permissions []PermissionSpec `yaml:"permissions"`
	Roles       []RoleSpec       `yaml:"roles"`
}

// Default returns the embedded catalog
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse decodes and validates a catalog document
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks codes parse, are unique and that roles only reference
// catalog permissions
func (c *Catalog) Validate() error {
	codes := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		code, err := models.ParseCode(p.Code)
		if err != nil {
			return fmt.Errorf("catalog permission: %w", err)
		}
		if code.Kind() == models.CodeExact && !models.Action(code.Action()).Valid() {
			return fmt.Errorf("catalog permission %q: unknown action", p.Code)
		}
		if _, dup := codes[code.String()]; dup {
			return fmt.Errorf("catalog permission %q defined twice", p.Code)
		}
		codes[code.String()] = struct{}{}
	}

	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.Code == "" {
			return fmt.Errorf("catalog role %q has no code", r.Name)
		}
		if _, dup := roles[r.Code]; dup {
			return fmt.Errorf("catalog role %q defined twice", r.Code)
		}
		roles[r.Code] = struct{}{}
		if r.Level < models.MinRoleLevel || r.Level > models.MaxRoleLevel {
			return fmt.Errorf("catalog role %q: level %d out of range", r.Code, r.Level)
		}
		for _, code := range r.Permissions {
			if _, ok := codes[code]; !ok {
				return fmt.Errorf("catalog role %q references unknown permission %q", r.Code, code)
			}
		}
	}
	return nil
}

// PermissionModels converts the catalog permissions into system Permission records
func (c *Catalog) PermissionModels() []models.Permission {
	out := make([]models.Permission, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		code := models.MustCode(p.Code)
		resource, action := code.Resource(), models.Action(code.Action())
		if code.Kind() != models.CodeExact {
			action = models.ActionManage
		}
		if resource == "" {
			resource = "*"
		}
		out = append(out, models.Permission{
			ID:          PermissionID(code.String()),
			Code:        code.String(),
			Name:        p.Name,
			Resource:    resource,
			Action:      action,
			Category:    p.Category,
			Description: p.Description,
			IsSystem:    true,
		})
	}
	return out
}

// RoleModels converts the catalog roles into active system Role records.
// Permissions carry only their ids; callers resolve them.
func (c *Catalog) RoleModels() []models.Role {
	out := make([]models.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		perms := make([]models.Permission, 0, len(r.Permissions))
		for _, code := range r.Permissions {
			perms = append(perms, models.Permission{ID: PermissionID(code), Code: code})
		}
		out = append(out, models.Role{
			ID:          RoleID(r.Code),
			Name:        r.Name,
			Code:        r.Code,
			Description: r.Description,
			Level:       r.Level,
			Permissions: perms,
			IsSystem:    true,
			IsActive:    true,
		})
	}
	return out
}

// PermissionID is the stable id of a catalog permission
func PermissionID(code string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte("permission:"+code))
}

// RoleID is the stable id of a built-in role
func RoleID(code string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte("role:"+code))
}
