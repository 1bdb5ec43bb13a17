package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
)

var (
	// ErrNotFound is returned (wrapped) when a row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned (wrapped) on a unique constraint violation
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Repositories called with the ctx passed to fn join the transaction.
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PermissionRepository handles permission catalog data operations
type PermissionRepository interface {
	// Upsert inserts a system permission or refreshes its display fields
	Upsert(ctx context.Context, permission *models.Permission) error

	// Create inserts a custom permission; a code collision returns ErrDuplicate
	Create(ctx context.Context, permission *models.Permission) error

	// List returns every permission ordered by category, then name
	List(ctx context.Context) ([]models.Permission, error)

	// Update persists the name, category and description of a permission
	Update(ctx context.Context, permission *models.Permission) error

	// Delete removes a permission
	Delete(ctx context.Context, id uuid.UUID) error

	// CountRoleReferences counts the roles holding the permission
	CountRoleReferences(ctx context.Context, id uuid.UUID) (int, error)

	// ListReferencingRoles returns the ids of the roles holding the permission
	ListReferencingRoles(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// RoleRepository handles role data operations. Returned roles carry their permissions.
type RoleRepository interface {
	// Create inserts a role and its permission set; a code collision returns ErrDuplicate
	Create(ctx context.Context, role *models.Role) error

	// SeedSystemRole inserts a built-in role unless its code exists.
	// It reports whether the role was inserted.
	SeedSystemRole(ctx context.Context, role *models.Role) (bool, error)

	// GetByID retrieves a role by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Role, error)

	// GetByIDForUpdate retrieves a role and locks its row until the
	// surrounding transaction ends
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Role, error)

	// List retrieves roles ordered by level descending, then name
	List(ctx context.Context, filter models.RoleFilter) ([]*models.Role, error)

	// Update persists the scalar fields of a role
	Update(ctx context.Context, role *models.Role) error

	// Delete deletes a role
	Delete(ctx context.Context, id uuid.UUID) error

	// ReplacePermissions swaps the role's permission set wholesale
	ReplacePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error

	// RecountUsers sets user_count to the number of users holding a live
	// grant of the role at now and returns it
	RecountUsers(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error)
}

// GrantRepository handles user-role grant data operations
type GrantRepository interface {
	// FindLive returns the live grant for the pair, or nil when none exists
	FindLive(ctx context.Context, userID, roleID uuid.UUID, now time.Time) (*models.Grant, error)

	// Create inserts a grant
	Create(ctx context.Context, grant *models.Grant) error

	// Revoke stamps revoked_at on a grant
	Revoke(ctx context.Context, grantID uuid.UUID, at time.Time) error

	// CountLive counts the user's live grants
	CountLive(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)

	// ListByUser returns all of the user's grants, newest first, including history
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.UserGrant, error)

	// ListUserIDsByRole returns the users holding a live grant of the role
	ListUserIDsByRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error)

	// PrincipalRoles returns the user's unrevoked, unexpired roles with their permissions
	PrincipalRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.PrincipalRole, error)
}

// UserRepository handles user identity lookups
type UserRepository interface {
	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByEmail retrieves a user by email
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// AuditRepository handles audit log data operations. There is no update or delete.
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// List retrieves entries newest first
	List(ctx context.Context, limit, offset int) ([]*models.AuditLog, error)

	// Count returns the number of entries
	Count(ctx context.Context) (int, error)

	// ListByTarget retrieves entries for one target newest first
	ListByTarget(ctx context.Context, targetType models.AuditTargetType, targetID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Permissions PermissionRepository
	Roles       RoleRepository
	Grants      GrantRepository
	Users       UserRepository
	AuditLogs   AuditRepository
}
