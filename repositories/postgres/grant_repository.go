package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"go.uber.org/zap"
)

// GrantRepository implements the repositories.GrantRepository interface
type GrantRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(db *DB, logger *zap.Logger) repositories.GrantRepository {
	return &GrantRepository{
		db:     db,
		logger: logger,
	}
}

const (
	grantColumns = `id, user_id, role_id, assigned_by, assigned_at, expires_at, revoked_at`

	// liveGrant filters user_roles rows that still confer their role; $2 is now
	liveGrant = `revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`
)

// FindLive returns the live grant for the pair, or nil when none exists
func (r *GrantRepository) FindLive(ctx context.Context, userID, roleID uuid.UUID, now time.Time) (*models.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM user_roles
		WHERE user_id = $1 AND ` + liveGrant + ` AND role_id = $3
		ORDER BY assigned_at DESC
		LIMIT 1
	`

	executor := GetExecutor(ctx, r.db)
	grant := &models.Grant{}
	err := executor.QueryRowContext(ctx, query, userID, now, roleID).Scan(
		&grant.ID,
		&grant.UserID,
		&grant.RoleID,
		&grant.AssignedBy,
		&grant.AssignedAt,
		&grant.ExpiresAt,
		&grant.RevokedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find grant: %w", err)
	}
	return grant, nil
}

// Create inserts a grant
func (r *GrantRepository) Create(ctx context.Context, grant *models.Grant) error {
	query := `
		INSERT INTO user_roles (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		grant.ID,
		grant.UserID,
		grant.RoleID,
		grant.AssignedBy,
		grant.AssignedAt,
		grant.ExpiresAt,
		grant.RevokedAt,
	)
	if err != nil {
		return wrapWriteError("create grant", err)
	}

	r.logger.Debug("grant created",
		zap.String("user_id", grant.UserID.String()),
		zap.String("role_id", grant.RoleID.String()),
	)
	return nil
}

// Revoke stamps revoked_at on a grant
func (r *GrantRepository) Revoke(ctx context.Context, grantID uuid.UUID, at time.Time) error {
	query := `UPDATE user_roles SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, grantID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("grant %s: %w", grantID, repositories.ErrNotFound)
	}

	r.logger.Debug("grant revoked", zap.String("id", grantID.String()))
	return nil
}

// CountLive counts the user's live grants
func (r *GrantRepository) CountLive(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM user_roles WHERE user_id = $1 AND ` + liveGrant

	var count int
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query, userID, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count grants: %w", err)
	}
	return count, nil
}

// ListByUser returns all of the user's grants newest first, including
// revoked and expired history
func (r *GrantRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.UserGrant, error) {
	query := `
		SELECT ur.id, ur.user_id, ur.role_id, ur.assigned_by, ur.assigned_at,
		       ur.expires_at, ur.revoked_at, ro.name, ro.code
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY ur.assigned_at DESC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var grants []*models.UserGrant
	for rows.Next() {
		g := &models.UserGrant{}
		if err := rows.Scan(
			&g.ID,
			&g.UserID,
			&g.RoleID,
			&g.AssignedBy,
			&g.AssignedAt,
			&g.ExpiresAt,
			&g.RevokedAt,
			&g.RoleName,
			&g.RoleCode,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.State = g.Grant.State(now)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grant rows: %w", err)
	}
	return grants, nil
}

// ListUserIDsByRole returns the users holding a live grant of the role
func (r *GrantRepository) ListUserIDsByRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT user_id FROM user_roles WHERE role_id = $1 AND ` + liveGrant

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, roleID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list role holders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user id rows: %w", err)
	}
	return ids, nil
}

// PrincipalRoles returns the user's live roles with their permissions.
// Inactive roles are included; deactivation only blocks new grants.
func (r *GrantRepository) PrincipalRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.PrincipalRole, error) {
	query := `
		SELECT ro.id, ro.name, ro.code, ro.description, ro.level, ro.is_system,
		       ro.is_active, ro.user_count, ro.created_at, ro.updated_at,
		       ur.assigned_at, ur.assigned_by, ur.expires_at
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.revoked_at IS NULL
		  AND (ur.expires_at IS NULL OR ur.expires_at > $2)
		ORDER BY ro.level DESC, ro.name
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load principal roles: %w", err)
	}
	defer rows.Close()

	var held []models.PrincipalRole
	for rows.Next() {
		var pr models.PrincipalRole
		if err := rows.Scan(
			&pr.Role.ID,
			&pr.Role.Name,
			&pr.Role.Code,
			&pr.Role.Description,
			&pr.Role.Level,
			&pr.Role.IsSystem,
			&pr.Role.IsActive,
			&pr.Role.UserCount,
			&pr.Role.CreatedAt,
			&pr.Role.UpdatedAt,
			&pr.AssignedAt,
			&pr.AssignedBy,
			&pr.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan principal role: %w", err)
		}
		pr.Role.Permissions = []models.Permission{}
		held = append(held, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating principal role rows: %w", err)
	}
	if len(held) == 0 {
		return held, nil
	}

	ids := make([]uuid.UUID, len(held))
	for i := range held {
		ids[i] = held[i].Role.ID
	}
	perms, err := loadRolePermissions(ctx, executor, ids)
	if err != nil {
		return nil, err
	}
	for i := range held {
		if list, ok := perms[held[i].Role.ID]; ok {
			held[i].Role.Permissions = list
		}
	}
	return held, nil
}
