package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"go.uber.org/zap"
)

// PermissionRepository implements the repositories.PermissionRepository interface
type PermissionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *DB, logger *zap.Logger) repositories.PermissionRepository {
	return &PermissionRepository{
		db:     db,
		logger: logger,
	}
}

const permissionColumns = `id, code, name, resource, action, category, description, is_system, created_at`

// Upsert inserts a system permission or refreshes its display fields.
// The code and id of an existing row never change.
func (r *PermissionRepository) Upsert(ctx context.Context, p *models.Permission) error {
	query := `
		INSERT INTO permissions (` + permissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			is_system = EXCLUDED.is_system
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		p.ID, p.Code, p.Name, p.Resource, p.Action, p.Category, p.Description, p.IsSystem, p.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("upsert permission", err)
	}

	r.logger.Debug("permission upserted", zap.String("code", p.Code))
	return nil
}

// Create inserts a custom permission
func (r *PermissionRepository) Create(ctx context.Context, p *models.Permission) error {
	query := `
		INSERT INTO permissions (` + permissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		p.ID, p.Code, p.Name, p.Resource, p.Action, p.Category, p.Description, p.IsSystem, p.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("create permission", err)
	}

	r.logger.Debug("permission created", zap.String("id", p.ID.String()), zap.String("code", p.Code))
	return nil
}

// List returns every permission ordered by category, then name
func (r *PermissionRepository) List(ctx context.Context) ([]models.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions ORDER BY category, name`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var permissions []models.Permission
	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(
			&p.ID, &p.Code, &p.Name, &p.Resource, &p.Action, &p.Category, &p.Description, &p.IsSystem, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		permissions = append(permissions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permission rows: %w", err)
	}

	return permissions, nil
}

// Update persists the display fields of a permission. Code, resource and
// action are fixed at creation.
func (r *PermissionRepository) Update(ctx context.Context, p *models.Permission) error {
	query := `
		UPDATE permissions
		SET name = $2, category = $3, description = $4
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, p.ID, p.Name, p.Category, p.Description)
	if err != nil {
		return wrapWriteError("update permission", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("permission %s: %w", p.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("permission updated", zap.String("id", p.ID.String()))
	return nil
}

// Delete removes a permission
func (r *PermissionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM permissions WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("permission %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("permission deleted", zap.String("id", id.String()))
	return nil
}

// CountRoleReferences counts the roles holding the permission
func (r *PermissionRepository) CountRoleReferences(ctx context.Context, id uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1`

	var count int
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count permission references: %w", err)
	}
	return count, nil
}

// ListReferencingRoles returns the ids of the roles holding the permission
func (r *PermissionRepository) ListReferencingRoles(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT role_id FROM role_permissions WHERE permission_id = $1 ORDER BY role_id`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list referencing roles: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var roleID uuid.UUID
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("failed to scan role id: %w", err)
		}
		ids = append(ids, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role rows: %w", err)
	}
	return ids, nil
}
