package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services/assignment"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// AssignRolesRequest grants roles to a user, optionally until ExpiresAt
type AssignRolesRequest struct {
	RoleIDs   []uuid.UUID `json:"roleIds" validate:"required,min=1"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
}

// RemoveRolesRequest revokes roles from a user
type RemoveRolesRequest struct {
	RoleIDs []uuid.UUID `json:"roleIds" validate:"required,min=1"`
}

// AssignmentService defines the grant operations the API serves
type AssignmentService interface {
	AssignRoles(ctx context.Context, operator models.Operator, userID uuid.UUID, roleIDs []uuid.UUID, expiresAt *time.Time) (*assignment.AssignResult, error)
	RemoveRoles(ctx context.Context, operator models.Operator, userID uuid.UUID, roleIDs []uuid.UUID) (*assignment.RemoveResult, error)
	UserGrants(ctx context.Context, userID uuid.UUID, includeHistory bool) ([]*models.UserGrant, error)
}

// UserRoleHandler handles role assignment HTTP requests
type UserRoleHandler struct {
	assignments AssignmentService
	logger      *zap.Logger
}

// NewUserRoleHandler creates a new UserRoleHandler
func NewUserRoleHandler(assignments AssignmentService, logger *zap.Logger) *UserRoleHandler {
	return &UserRoleHandler{
		assignments: assignments,
		logger:      logger,
	}
}

// HandleListUserRoles handles GET /api/v1/users/{id}/roles?history=
func (h *UserRoleHandler) HandleListUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	history, err := queryBool(r, "history")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	grants, err := h.assignments.UserGrants(r.Context(), userID, history != nil && *history)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, grants); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleAssignRoles handles POST /api/v1/users/{id}/roles
func (h *UserRoleHandler) HandleAssignRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req AssignRolesRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	result, err := h.assignments.AssignRoles(ctx, middleware.GetOperatorFromContext(ctx), userID, req.RoleIDs, req.ExpiresAt)
	if err != nil {
		h.logger.Warn("role assignment failed",
			zap.String("request_id", requestID),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("roles assigned",
		zap.String("request_id", requestID),
		zap.String("user_id", userID.String()),
		zap.Int("assigned_count", result.AssignedCount),
		zap.Int("skipped", len(result.Skipped)))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleRemoveRoles handles DELETE /api/v1/users/{id}/roles
func (h *UserRoleHandler) HandleRemoveRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req RemoveRolesRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	result, err := h.assignments.RemoveRoles(ctx, middleware.GetOperatorFromContext(ctx), userID, req.RoleIDs)
	if err != nil {
		h.logger.Warn("role removal failed",
			zap.String("request_id", requestID),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("roles removed",
		zap.String("request_id", requestID),
		zap.String("user_id", userID.String()),
		zap.Int("removed_count", result.RemovedCount))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
