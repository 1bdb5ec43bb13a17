package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"go.uber.org/zap"
)

// RoleRepository implements the repositories.RoleRepository interface
type RoleRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB, logger *zap.Logger) repositories.RoleRepository {
	return &RoleRepository{
		db:     db,
		logger: logger,
	}
}

const roleColumns = `id, name, code, description, level, is_system, is_active, user_count, created_at, updated_at`

// Create inserts a role and its permission set
func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	query := `
		INSERT INTO roles (` + roleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		role.ID,
		role.Name,
		role.Code,
		role.Description,
		role.Level,
		role.IsSystem,
		role.IsActive,
		role.UserCount,
		role.CreatedAt,
		role.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("create role", err)
	}

	if err := r.insertPermissions(ctx, role.ID, role.PermissionIDs()); err != nil {
		return err
	}

	r.logger.Debug("role created", zap.String("id", role.ID.String()), zap.String("code", role.Code))
	return nil
}

// SeedSystemRole inserts a built-in role unless a role with its code exists.
// Existing roles are left untouched so operator edits survive restarts.
func (r *RoleRepository) SeedSystemRole(ctx context.Context, role *models.Role) (bool, error) {
	query := `
		INSERT INTO roles (` + roleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (code) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		role.ID,
		role.Name,
		role.Code,
		role.Description,
		role.Level,
		true,
		role.IsActive,
		0,
		role.CreatedAt,
		role.UpdatedAt,
	)
	if err != nil {
		return false, wrapWriteError("seed role", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := r.insertPermissions(ctx, role.ID, role.PermissionIDs()); err != nil {
		return false, err
	}

	r.logger.Debug("system role seeded", zap.String("code", role.Code))
	return true, nil
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByIDForUpdate retrieves a role and locks its row.
// Must run inside a transaction to have any effect.
func (r *RoleRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

// List retrieves roles ordered by level descending, then name
func (r *RoleRepository) List(ctx context.Context, filter models.RoleFilter) ([]*models.Role, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR code ILIKE $%d)", len(args), len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}

	query := `SELECT ` + roleColumns + ` FROM roles`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY level DESC, name`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*models.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role rows: %w", err)
	}

	if err := r.attachPermissions(ctx, roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// Update persists the scalar fields of a role
func (r *RoleRepository) Update(ctx context.Context, role *models.Role) error {
	query := `
		UPDATE roles
		SET name = $2, code = $3, description = $4, level = $5,
		    is_system = $6, is_active = $7, updated_at = $8
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		role.ID,
		role.Name,
		role.Code,
		role.Description,
		role.Level,
		role.IsSystem,
		role.IsActive,
		role.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("update role", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("role %s: %w", role.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("role updated", zap.String("id", role.ID.String()))
	return nil
}

// Delete deletes a role. Permission edges and grant history cascade.
func (r *RoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM roles WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("role deleted", zap.String("id", id.String()))
	return nil
}

// ReplacePermissions swaps the role's permission set wholesale
func (r *RoleRepository) ReplacePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	if err := r.insertPermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	if _, err := executor.ExecContext(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to touch role: %w", err)
	}

	r.logger.Debug("role permissions replaced",
		zap.String("id", roleID.String()),
		zap.Int("count", len(permissionIDs)),
	)
	return nil
}

// RecountUsers sets user_count from the live grants of the role
func (r *RoleRepository) RecountUsers(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	query := `
		UPDATE roles SET user_count = (
			SELECT COUNT(DISTINCT user_id) FROM user_roles
			WHERE role_id = $1 AND ` + liveGrant + `
		)
		WHERE id = $1
		RETURNING user_count
	`

	var count int
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query, roleID, now).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to recount role users: %w", err)
	}
	return count, nil
}

func (r *RoleRepository) getOne(ctx context.Context, query string, id uuid.UUID) (*models.Role, error) {
	executor := GetExecutor(ctx, r.db)
	role, err := scanRole(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
		}
		return nil, err
	}

	if err := r.attachPermissions(ctx, []*models.Role{role}); err != nil {
		return nil, err
	}
	return role, nil
}

func (r *RoleRepository) insertPermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	if len(permissionIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, roleID, pq.Array(uuidStrings(permissionIDs))); err != nil {
		return fmt.Errorf("failed to insert role permissions: %w", err)
	}
	return nil
}

// attachPermissions loads the permission sets of roles in one query
func (r *RoleRepository) attachPermissions(ctx context.Context, roles []*models.Role) error {
	if len(roles) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*models.Role, len(roles))
	ids := make([]uuid.UUID, 0, len(roles))
	for _, role := range roles {
		role.Permissions = []models.Permission{}
		byID[role.ID] = role
		ids = append(ids, role.ID)
	}

	perms, err := loadRolePermissions(ctx, GetExecutor(ctx, r.db), ids)
	if err != nil {
		return err
	}
	for roleID, list := range perms {
		if role, ok := byID[roleID]; ok {
			role.Permissions = list
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*models.Role, error) {
	role := &models.Role{}
	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.Code,
		&role.Description,
		&role.Level,
		&role.IsSystem,
		&role.IsActive,
		&role.UserCount,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}
	return role, nil
}

// loadRolePermissions returns the permissions of each role id, keyed by role
func loadRolePermissions(ctx context.Context, executor Executor, roleIDs []uuid.UUID) (map[uuid.UUID][]models.Permission, error) {
	query := `
		SELECT rp.role_id, p.id, p.code, p.name, p.resource, p.action, p.category,
		       p.description, p.is_system, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1::uuid[])
		ORDER BY p.category, p.name
	`

	rows, err := executor.QueryContext(ctx, query, pq.Array(uuidStrings(roleIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]models.Permission)
	for rows.Next() {
		var (
			roleID uuid.UUID
			p      models.Permission
		)
		if err := rows.Scan(
			&roleID, &p.ID, &p.Code, &p.Name, &p.Resource, &p.Action, &p.Category,
			&p.Description, &p.IsSystem, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		result[roleID] = append(result[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role permission rows: %w", err)
	}
	return result, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
