package role

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/internal/catalog"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/services/cache"
	"go.uber.org/zap"
)

var codePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,63}$`)

// PermissionResolver resolves permission ids against the catalog
type PermissionResolver interface {
	Resolve(ids []uuid.UUID) ([]models.Permission, error)
	Count() int
	CategoryCounts() map[string]int
}

// SessionClearer drops cached principals so the next request reloads them
type SessionClearer interface {
	Clear(userIDs ...uuid.UUID)
}

// CreateInput describes a new role
type CreateInput struct {
	Name          string
	Code          string
	Description   string
	Level         int
	PermissionIDs []uuid.UUID
}

// Service manages roles and their permission sets
type Service struct {
	roles    repositories.RoleRepository
	grants   repositories.GrantRepository
	txMgr    repositories.TransactionManager
	perms    PermissionResolver
	recorder audit.Recorder
	cache    *cache.QueryCache
	sessions SessionClearer
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new role service
func NewService(
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	perms PermissionResolver,
	recorder audit.Recorder,
	queryCache *cache.QueryCache,
	sessions SessionClearer,
	logger *zap.Logger,
) *Service {
	return &Service{
		roles:    repos.Roles,
		grants:   repos.Grants,
		txMgr:    txMgr,
		perms:    perms,
		recorder: recorder,
		cache:    queryCache,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateRole creates an active custom role
func (s *Service) CreateRole(ctx context.Context, operator models.Operator, input CreateInput) (*models.Role, error) {
	name := strings.TrimSpace(input.Name)
	code := strings.TrimSpace(input.Code)
	if name == "" {
		return nil, services.Validation("name", "name is required")
	}
	if err := validateCode(code); err != nil {
		return nil, err
	}
	if err := validateLevel(input.Level); err != nil {
		return nil, err
	}

	perms, err := s.perms.Resolve(input.PermissionIDs)
	if err != nil {
		return nil, err
	}

	role := models.NewRole(name, code, strings.TrimSpace(input.Description), input.Level)
	role.Permissions = perms

	err = services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		if err := s.roles.Create(ctx, role); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return services.DuplicateCode(code, err)
			}
			return services.WrapInternal("failed to create role", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("role created",
		zap.String("role_id", role.ID.String()),
		zap.String("code", role.Code),
		zap.String("operator", operator.Name),
	)
	s.record(models.NewAuditLog(models.AuditActionCreate, models.AuditTargetRole, role.ID, role.Name).
		WithOperator(operator).
		WithDetails("created role %s (%s) at level %d with %d permission(s)", role.Name, role.Code, role.Level, len(perms)))
	s.invalidate(ctx, role.ID, nil)

	return role, nil
}

// UpdateRole merges patch into the role. Code and the system flag are
// frozen on system roles.
func (s *Service) UpdateRole(ctx context.Context, operator models.Operator, id uuid.UUID, patch models.RolePatch) (*models.Role, error) {
	normalizePatch(&patch)

	var (
		role    *models.Role
		changed []string
		holders []uuid.UUID
	)
	err := services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		var err error
		role, err = s.lockRole(ctx, id)
		if err != nil {
			return err
		}

		if role.IsSystem && patch.TouchesImmutable(role) {
			field := "code"
			if patch.Code == nil || *patch.Code == role.Code {
				field = "isSystem"
			}
			return services.ImmutableField(field).WithDetail("role_id", id.String())
		}
		if err := validatePatch(patch); err != nil {
			return err
		}

		changed = patch.Apply(role, s.now())
		if err := s.roles.Update(ctx, role); err != nil {
			switch {
			case errors.Is(err, repositories.ErrDuplicate):
				return services.DuplicateCode(role.Code, err)
			case errors.Is(err, repositories.ErrNotFound):
				return services.RoleNotFound(id)
			}
			return services.WrapInternal("failed to update role", err)
		}

		holders, err = s.grants.ListUserIDsByRole(ctx, id, s.now())
		if err != nil {
			return services.WrapInternal("failed to list role holders", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("role updated",
		zap.String("role_id", id.String()),
		zap.Strings("fields", changed),
		zap.String("operator", operator.Name),
	)
	entry := models.NewAuditLog(models.AuditActionUpdate, models.AuditTargetRole, role.ID, role.Name).WithOperator(operator)
	if len(changed) == 0 {
		entry.WithDetails("updated role %s (no field changes)", role.Code)
	} else {
		entry.WithDetails("updated role %s: %s", role.Code, strings.Join(changed, ", "))
	}
	s.record(entry)
	s.invalidate(ctx, id, holders)

	return role, nil
}

// DeleteRole removes a custom role that no user holds
func (s *Service) DeleteRole(ctx context.Context, operator models.Operator, id uuid.UUID) error {
	var role *models.Role
	err := services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		var err error
		role, err = s.lockRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return services.NewDomainError(services.ErrorTypeSystemRole, "system roles cannot be deleted", nil).
				WithDetail("role_id", id.String())
		}
		holders, err := s.roles.RecountUsers(ctx, id, s.now())
		if err != nil {
			return services.WrapInternal("failed to count role holders", err)
		}
		if holders > 0 {
			return services.NewDomainError(services.ErrorTypeRoleInUse, "role is assigned to users", nil).
				WithDetail("role_id", id.String()).
				WithDetail("user_count", holders)
		}
		if err := s.roles.Delete(ctx, id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.RoleNotFound(id)
			}
			return services.WrapInternal("failed to delete role", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("role deleted",
		zap.String("role_id", id.String()),
		zap.String("code", role.Code),
		zap.String("operator", operator.Name),
	)
	s.record(models.NewAuditLog(models.AuditActionDelete, models.AuditTargetRole, role.ID, role.Name).
		WithOperator(operator).
		WithDetails("deleted role %s (%s)", role.Name, role.Code))
	s.invalidate(ctx, id, nil)

	return nil
}

// AssignPermissions replaces the role's permission set wholesale. An empty
// list clears it.
func (s *Service) AssignPermissions(ctx context.Context, operator models.Operator, roleID uuid.UUID, permissionIDs []uuid.UUID) (*models.Role, error) {
	perms, err := s.perms.Resolve(permissionIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(perms))
	codes := make([]string, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
		codes = append(codes, p.Code)
	}

	var (
		role    *models.Role
		holders []uuid.UUID
	)
	err = services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		var err error
		role, err = s.lockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if err := s.roles.ReplacePermissions(ctx, roleID, ids); err != nil {
			return services.WrapInternal("failed to replace role permissions", err)
		}
		holders, err = s.grants.ListUserIDsByRole(ctx, roleID, s.now())
		if err != nil {
			return services.WrapInternal("failed to list role holders", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	role.Permissions = perms
	role.UpdatedAt = s.now()

	s.logger.Info("role permissions replaced",
		zap.String("role_id", roleID.String()),
		zap.Int("count", len(perms)),
		zap.Int("affected_users", len(holders)),
		zap.String("operator", operator.Name),
	)
	details := "cleared all permissions of role " + role.Code
	if len(codes) > 0 {
		details = "set permissions of role " + role.Code + " to " + strings.Join(codes, ", ")
	}
	s.record(models.NewAuditLog(models.AuditActionUpdate, models.AuditTargetRole, role.ID, role.Name).
		WithOperator(operator).
		WithDetails("%s", details))
	s.invalidate(ctx, roleID, holders)

	return role, nil
}

// AddPermission grants one more permission to the role. Adding a permission
// the role already holds changes nothing.
func (s *Service) AddPermission(ctx context.Context, operator models.Operator, roleID, permissionID uuid.UUID) (*models.Role, error) {
	return s.editPermission(ctx, operator, roleID, permissionID, true)
}

// RemovePermission takes one permission away from the role. Removing a
// permission the role does not hold changes nothing.
func (s *Service) RemovePermission(ctx context.Context, operator models.Operator, roleID, permissionID uuid.UUID) (*models.Role, error) {
	return s.editPermission(ctx, operator, roleID, permissionID, false)
}

func (s *Service) editPermission(ctx context.Context, operator models.Operator, roleID, permissionID uuid.UUID, add bool) (*models.Role, error) {
	resolved, err := s.perms.Resolve([]uuid.UUID{permissionID})
	if err != nil {
		return nil, err
	}
	perm := resolved[0]

	var (
		role    *models.Role
		holders []uuid.UUID
		changed bool
	)
	err = services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		var err error
		role, err = s.lockRole(ctx, roleID)
		if err != nil {
			return err
		}

		held := -1
		for i, p := range role.Permissions {
			if p.ID == permissionID {
				held = i
				break
			}
		}
		switch {
		case add && held < 0:
			role.Permissions = append(role.Permissions, perm)
		case !add && held >= 0:
			role.Permissions = append(role.Permissions[:held:held], role.Permissions[held+1:]...)
		default:
			return nil
		}
		changed = true

		ids := make([]uuid.UUID, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			ids = append(ids, p.ID)
		}
		if err := s.roles.ReplacePermissions(ctx, roleID, ids); err != nil {
			return services.WrapInternal("failed to update role permissions", err)
		}
		holders, err = s.grants.ListUserIDsByRole(ctx, roleID, s.now())
		if err != nil {
			return services.WrapInternal("failed to list role holders", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return role, nil
	}
	role.UpdatedAt = s.now()

	verb, details := "added", "added permission %s to role %s"
	if !add {
		verb, details = "removed", "removed permission %s from role %s"
	}
	s.logger.Info("role permission "+verb,
		zap.String("role_id", roleID.String()),
		zap.String("permission", perm.Code),
		zap.Int("affected_users", len(holders)),
		zap.String("operator", operator.Name),
	)
	s.record(models.NewAuditLog(models.AuditActionUpdate, models.AuditTargetRole, role.ID, role.Name).
		WithOperator(operator).
		WithDetails(details, perm.Code, role.Code))
	s.invalidate(ctx, roleID, holders)

	return role, nil
}

// GetRole returns a role with its permissions
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	var role models.Role
	err := s.cache.Fetch(ctx, cache.RoleKey(id.String()), &role, func(ctx context.Context) (interface{}, error) {
		r, err := s.roles.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.RoleNotFound(id)
			}
			return nil, services.WrapInternal("failed to get role", err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// ListRoles lists roles ordered by level descending, then name. Only the
// unfiltered listing is cached.
func (s *Service) ListRoles(ctx context.Context, filter models.RoleFilter) ([]*models.Role, error) {
	filter.Search = strings.TrimSpace(filter.Search)
	load := func(ctx context.Context) (interface{}, error) {
		roles, err := s.roles.List(ctx, filter)
		if err != nil {
			return nil, services.WrapInternal("failed to list roles", err)
		}
		if roles == nil {
			roles = []*models.Role{}
		}
		return roles, nil
	}

	if filter.Search != "" || filter.IsActive != nil {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]*models.Role), nil
	}

	var roles []*models.Role
	if err := s.cache.Fetch(ctx, cache.KeyRoles, &roles, load); err != nil {
		return nil, err
	}
	return roles, nil
}

// Stats summarizes the catalog and the role table
func (s *Service) Stats(ctx context.Context) (*models.PermissionStats, error) {
	var stats models.PermissionStats
	err := s.cache.Fetch(ctx, cache.KeyStats, &stats, func(ctx context.Context) (interface{}, error) {
		roles, err := s.roles.List(ctx, models.RoleFilter{})
		if err != nil {
			return nil, services.WrapInternal("failed to list roles", err)
		}
		out := &models.PermissionStats{
			TotalPermissions:      s.perms.Count(),
			TotalRoles:            len(roles),
			PermissionsByCategory: s.perms.CategoryCounts(),
		}
		for _, r := range roles {
			if r.IsActive {
				out.ActiveRoles++
			}
			if r.IsSystem {
				out.SystemRoles++
			} else {
				out.CustomRoles++
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// SeedSystemRoles inserts the built-in roles that do not exist yet. Existing
// roles keep whatever permissions administrators gave them.
func (s *Service) SeedSystemRoles(ctx context.Context, cat *catalog.Catalog) error {
	inserted := 0
	for _, r := range cat.RoleModels() {
		role := r
		ids := make([]uuid.UUID, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			ids = append(ids, p.ID)
		}
		perms, err := s.perms.Resolve(ids)
		if err != nil {
			return services.WrapInternal("catalog role "+role.Code+" references an unloaded permission", err)
		}
		role.Permissions = perms
		now := s.now()
		role.CreatedAt, role.UpdatedAt = now, now

		ok, err := s.roles.SeedSystemRole(ctx, &role)
		if err != nil {
			return services.WrapInternal("failed to seed role "+role.Code, err)
		}
		if ok {
			inserted++
		}
	}

	s.logger.Info("system roles seeded", zap.Int("inserted", inserted))
	if inserted > 0 {
		s.cache.Invalidate(ctx, cache.KeyRoles, cache.KeyStats)
	}
	return nil
}

func (s *Service) lockRole(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	role, err := s.roles.GetByIDForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.RoleNotFound(id)
		}
		return nil, services.WrapInternal("failed to load role", err)
	}
	return role, nil
}

func (s *Service) record(entry *models.AuditLog) {
	if s.recorder != nil {
		s.recorder.Record(entry)
	}
}

// invalidate drops the role's cache keys and the sessions of its holders.
// It runs after commit, so it must not be cut short by the caller's ctx.
func (s *Service) invalidate(ctx context.Context, roleID uuid.UUID, holders []uuid.UUID) {
	s.cache.Invalidate(context.WithoutCancel(ctx), cache.RoleKey(roleID.String()), cache.KeyRoles, cache.KeyStats)
	if s.sessions != nil && len(holders) > 0 {
		s.sessions.Clear(holders...)
	}
}

func validateCode(code string) error {
	if code == "" {
		return services.Validation("code", "code is required")
	}
	if !codePattern.MatchString(code) {
		return services.Validation("code", "code must start with a letter and contain only letters, digits, '_' or '-'")
	}
	return nil
}

func validateLevel(level int) error {
	if level < models.MinRoleLevel || level > models.MaxRoleLevel {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidLevel.Message, nil).
			WithDetail("field", "level").
			WithDetail("level", level)
	}
	return nil
}

func normalizePatch(p *models.RolePatch) {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		p.Name = &name
	}
	if p.Code != nil {
		code := strings.TrimSpace(*p.Code)
		p.Code = &code
	}
	if p.Description != nil {
		desc := strings.TrimSpace(*p.Description)
		p.Description = &desc
	}
}

// validatePatch checks a normalized patch. UpdateRole runs it after the
// system role check, so a frozen field is reported as immutable first.
func validatePatch(p models.RolePatch) error {
	if p.Name != nil && *p.Name == "" {
		return services.Validation("name", "name cannot be empty")
	}
	if p.Code != nil {
		if err := validateCode(*p.Code); err != nil {
			return err
		}
	}
	if p.Level != nil {
		return validateLevel(*p.Level)
	}
	return nil
}
