package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/services/cache"
	"go.uber.org/zap"
)

// SessionClearer drops cached principals so the next request reloads them
type SessionClearer interface {
	Clear(userIDs ...uuid.UUID)
}

// Config holds the grant limits
type Config struct {
	// MaxRolesPerUser caps live grants per user; zero disables the cap
	MaxRolesPerUser int
}

// Skipped reports a batch item that failed on its own without stopping the batch
type Skipped struct {
	RoleID uuid.UUID          `json:"roleId"`
	Error  services.ErrorType `json:"error"`
	Reason string             `json:"reason"`
}

// AssignResult is the outcome of AssignRoles
type AssignResult struct {
	AssignedCount int       `json:"assignedCount"`
	Skipped       []Skipped `json:"skipped,omitempty"`
}

// RemoveResult is the outcome of RemoveRoles
type RemoveResult struct {
	RemovedCount int       `json:"removedCount"`
	Skipped      []Skipped `json:"skipped,omitempty"`
}

// Service grants and revokes roles. Each role of a batch is applied in its
// own transaction with the role row locked, so concurrent identical calls
// serialize and the later one is a no-op.
type Service struct {
	roles    repositories.RoleRepository
	grants   repositories.GrantRepository
	users    repositories.UserRepository
	txMgr    repositories.TransactionManager
	recorder audit.Recorder
	cache    *cache.QueryCache
	sessions SessionClearer
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new assignment service
func NewService(
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	recorder audit.Recorder,
	queryCache *cache.QueryCache,
	sessions SessionClearer,
	config Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		roles:    repos.Roles,
		grants:   repos.Grants,
		users:    repos.Users,
		txMgr:    txMgr,
		recorder: recorder,
		cache:    queryCache,
		sessions: sessions,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// AssignRoles grants roleIDs to the user. Roles the user already holds are
// skipped silently; expiresAt applies to every new grant.
func (s *Service) AssignRoles(ctx context.Context, operator models.Operator, userID uuid.UUID, roleIDs []uuid.UUID, expiresAt *time.Time) (*AssignResult, error) {
	roleIDs = dedupe(roleIDs)
	if len(roleIDs) == 0 {
		return nil, services.Validation("roleIds", "at least one role is required")
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, services.Validation("expiresAt", "expiresAt must be in the future")
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &AssignResult{}
	touched := make([]uuid.UUID, 0, len(roleIDs))
	defer func() { s.afterBatch(ctx, userID, touched) }()

	for _, roleID := range roleIDs {
		role, created, err := s.assignOne(ctx, operator, userID, roleID, expiresAt)
		if err != nil {
			if skip, ok := skippable(err, len(roleIDs)); ok {
				skip.RoleID = roleID
				result.Skipped = append(result.Skipped, skip)
				continue
			}
			return result, s.batchError("role assignment", err, len(touched) > 0, map[string]interface{}{
				"assigned_count": result.AssignedCount,
				"failed_role_id": roleID.String(),
			})
		}
		if !created {
			s.logger.Debug("role already granted",
				zap.String("user_id", userID.String()),
				zap.String("role_id", roleID.String()),
			)
			continue
		}

		result.AssignedCount++
		touched = append(touched, roleID)

		entry := models.NewAuditLog(models.AuditActionAssign, models.AuditTargetUser, user.ID, user.DisplayName()).
			WithOperator(operator)
		if expiresAt != nil {
			entry.WithDetails("assigned role %s (%s) until %s", role.Name, role.Code, expiresAt.UTC().Format(time.RFC3339))
		} else {
			entry.WithDetails("assigned role %s (%s)", role.Name, role.Code)
		}
		s.recorder.Record(entry)
	}

	s.logger.Info("roles assigned",
		zap.String("user_id", userID.String()),
		zap.Int("requested", len(roleIDs)),
		zap.Int("assigned", result.AssignedCount),
		zap.Int("skipped", len(result.Skipped)),
		zap.String("operator", operator.Name),
	)
	return result, nil
}

func (s *Service) assignOne(ctx context.Context, operator models.Operator, userID, roleID uuid.UUID, expiresAt *time.Time) (*models.Role, bool, error) {
	var (
		role    *models.Role
		created bool
	)
	err := services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		var err error
		role, err = s.lockRole(ctx, roleID)
		if err != nil {
			return err
		}

		now := s.now()
		existing, err := s.grants.FindLive(ctx, userID, roleID, now)
		if err != nil {
			return services.WrapInternal("failed to look up grant", err)
		}
		if existing != nil {
			return nil
		}

		if !role.IsActive {
			return services.NewDomainError(services.ErrorTypeValidation, services.ErrInactiveRole.Message, nil).
				WithDetail("role_id", roleID.String())
		}
		if s.config.MaxRolesPerUser > 0 {
			live, err := s.grants.CountLive(ctx, userID, now)
			if err != nil {
				return services.WrapInternal("failed to count grants", err)
			}
			if live >= s.config.MaxRolesPerUser {
				return services.NewDomainError(services.ErrorTypeValidation, services.ErrTooManyRoles.Message, nil).
					WithDetail("max_roles", s.config.MaxRolesPerUser)
			}
		}

		grant := models.NewGrant(userID, roleID, operator.IDPtr(), expiresAt)
		grant.AssignedAt = now
		if err := s.grants.Create(ctx, grant); err != nil {
			return services.WrapInternal("failed to create grant", err)
		}
		if _, err := s.roles.RecountUsers(ctx, roleID, now); err != nil {
			return services.WrapInternal("failed to update role user count", err)
		}
		created = true
		return nil
	})
	return role, created, err
}

// RemoveRoles revokes the user's live grants of roleIDs. Roles the user does
// not hold are skipped silently.
func (s *Service) RemoveRoles(ctx context.Context, operator models.Operator, userID uuid.UUID, roleIDs []uuid.UUID) (*RemoveResult, error) {
	roleIDs = dedupe(roleIDs)
	if len(roleIDs) == 0 {
		return nil, services.Validation("roleIds", "at least one role is required")
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &RemoveResult{}
	touched := make([]uuid.UUID, 0, len(roleIDs))
	defer func() { s.afterBatch(ctx, userID, touched) }()

	for _, roleID := range roleIDs {
		role, removed, err := s.removeOne(ctx, userID, roleID)
		if err != nil {
			if skip, ok := skippable(err, len(roleIDs)); ok {
				skip.RoleID = roleID
				result.Skipped = append(result.Skipped, skip)
				continue
			}
			return result, s.batchError("role removal", err, len(touched) > 0, map[string]interface{}{
				"removed_count":  result.RemovedCount,
				"failed_role_id": roleID.String(),
			})
		}
		if !removed {
			continue
		}

		result.RemovedCount++
		touched = append(touched, roleID)
		s.recorder.Record(models.NewAuditLog(models.AuditActionRevoke, models.AuditTargetUser, user.ID, user.DisplayName()).
			WithOperator(operator).
			WithDetails("revoked role %s (%s)", role.Name, role.Code))
	}

	s.logger.Info("roles removed",
		zap.String("user_id", userID.String()),
		zap.Int("requested", len(roleIDs)),
		zap.Int("removed", result.RemovedCount),
		zap.String("operator", operator.Name),
	)
	return result, nil
}

func (s *Service) removeOne(ctx context.Context, userID, roleID uuid.UUID) (*models.Role, bool, error) {
	var (
		role    *models.Role
		removed bool
	)
	err := services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		var err error
		role, err = s.lockRole(ctx, roleID)
		if err != nil {
			return err
		}

		now := s.now()
		grant, err := s.grants.FindLive(ctx, userID, roleID, now)
		if err != nil {
			return services.WrapInternal("failed to look up grant", err)
		}
		if grant == nil {
			return nil
		}
		if err := s.grants.Revoke(ctx, grant.ID, now); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil
			}
			return services.WrapInternal("failed to revoke grant", err)
		}
		if _, err := s.roles.RecountUsers(ctx, roleID, now); err != nil {
			return services.WrapInternal("failed to update role user count", err)
		}
		removed = true
		return nil
	})
	return role, removed, err
}

// UserGrants lists the user's grants newest first. Without history only live
// grants are returned.
func (s *Service) UserGrants(ctx context.Context, userID uuid.UUID, includeHistory bool) ([]*models.UserGrant, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}

	grants, err := s.grants.ListByUser(ctx, userID)
	if err != nil {
		return nil, services.WrapInternal("failed to list grants", err)
	}

	out := make([]*models.UserGrant, 0, len(grants))
	for _, g := range grants {
		if includeHistory || g.State == models.GrantStateActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Service) loadUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.UserNotFound(userID)
		}
		return nil, services.WrapInternal("failed to load user", err)
	}
	return user, nil
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

// afterBatch drops state derived from the grants that changed. It runs after
// the batch even when the batch stopped part way.
func (s *Service) afterBatch(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) {
	if len(roleIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(roleIDs)+2)
	for _, id := range roleIDs {
		keys = append(keys, cache.RoleKey(id.String()))
	}
	keys = append(keys, cache.KeyRoles, cache.KeyStats)
	s.cache.Invalidate(context.WithoutCancel(ctx), keys...)

	if s.sessions != nil {
		s.sessions.Clear(userID)
	}
}

// batchError reports an infrastructure failure. Once part of the batch has
// been applied the error carries the progress made.
func (s *Service) batchError(op string, err error, progressed bool, details map[string]interface{}) error {
	if services.IsInternalError(err) {
		s.logger.Error(op+" stopped", zap.Error(err), zap.Any("details", details))
	}
	if !progressed {
		return err
	}
	return services.PartialFailure(fmt.Sprintf("%s stopped part way", op), err, details)
}

// skippable decides whether a per-item error lets the batch continue. Only
// domain rejections of one role in a multi-role batch do.
func skippable(err error, batchSize int) (Skipped, bool) {
	if batchSize < 2 {
		return Skipped{}, false
	}
	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) || domainErr.Type == services.ErrorTypeInternal {
		return Skipped{}, false
	}
	return Skipped{Error: domainErr.Type, Reason: domainErr.Message}, true
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
