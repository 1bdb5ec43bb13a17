package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services/role"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// CreateRoleRequest represents a request to create a role
type CreateRoleRequest struct {
	Name          string      `json:"name" validate:"required,max=100"`
	Code          string      `json:"code" validate:"required,max=64"`
	Description   string      `json:"description" validate:"max=500"`
	Level         int         `json:"level" validate:"gte=1,lte=100"`
	PermissionIDs []uuid.UUID `json:"permissionIds"`
}

// UpdateRoleRequest represents a partial role update
type UpdateRoleRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,max=100"`
	Code        *string `json:"code,omitempty" validate:"omitempty,max=64"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
	Level       *int    `json:"level,omitempty" validate:"omitempty,gte=1,lte=100"`
	IsActive    *bool   `json:"isActive,omitempty"`
	IsSystem    *bool   `json:"isSystem,omitempty"`
}

// AssignPermissionsRequest replaces a role's permission set
type AssignPermissionsRequest struct {
	PermissionIDs []uuid.UUID `json:"permissionIds" validate:"required"`
}

// RoleService defines the role operations the API serves
type RoleService interface {
	ListRoles(ctx context.Context, filter models.RoleFilter) ([]*models.Role, error)
	Stats(ctx context.Context) (*models.PermissionStats, error)
	GetRole(ctx context.Context, id uuid.UUID) (*models.Role, error)
	CreateRole(ctx context.Context, operator models.Operator, input role.CreateInput) (*models.Role, error)
	UpdateRole(ctx context.Context, operator models.Operator, id uuid.UUID, patch models.RolePatch) (*models.Role, error)
	DeleteRole(ctx context.Context, operator models.Operator, id uuid.UUID) error
	AssignPermissions(ctx context.Context, operator models.Operator, roleID uuid.UUID, permissionIDs []uuid.UUID) (*models.Role, error)
	AddPermission(ctx context.Context, operator models.Operator, roleID, permissionID uuid.UUID) (*models.Role, error)
	RemovePermission(ctx context.Context, operator models.Operator, roleID, permissionID uuid.UUID) (*models.Role, error)
}

// RoleHandler handles role-related HTTP requests
type RoleHandler struct {
	roles  RoleService
	audit  AuditReader
	logger *zap.Logger
}

// NewRoleHandler creates a new RoleHandler
func NewRoleHandler(roles RoleService, audit AuditReader, logger *zap.Logger) *RoleHandler {
	return &RoleHandler{
		roles:  roles,
		audit:  audit,
		logger: logger,
	}
}

// HandleListRoles handles GET /api/v1/roles?search=&is_active=
func (h *RoleHandler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	isActive, err := queryBool(r, "is_active")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	filter := models.RoleFilter{
		Search:   strings.TrimSpace(r.URL.Query().Get("search")),
		IsActive: isActive,
	}

	h.logger.Debug("listing roles",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("search", filter.Search))

	roles, err := h.roles.ListRoles(ctx, filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if roles == nil {
		roles = []*models.Role{}
	}

	if err := utils.WriteOK(w, roles); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleRoleStats handles GET /api/v1/roles/stats
func (h *RoleHandler) HandleRoleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.roles.Stats(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, stats); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGetRole handles GET /api/v1/roles/{id}
func (h *RoleHandler) HandleGetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	found, err := h.roles.GetRole(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, found); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleCreateRole handles POST /api/v1/roles
func (h *RoleHandler) HandleCreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRoleRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	created, err := h.roles.CreateRole(ctx, middleware.GetOperatorFromContext(ctx), role.CreateInput{
		Name:          req.Name,
		Code:          req.Code,
		Description:   req.Description,
		Level:         req.Level,
		PermissionIDs: req.PermissionIDs,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("role created",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("role_id", created.ID.String()))

	if err := utils.WriteCreated(w, created); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleUpdateRole handles PUT /api/v1/roles/{id}
func (h *RoleHandler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	updated, err := h.roles.UpdateRole(ctx, middleware.GetOperatorFromContext(ctx), id, models.RolePatch{
		Name:        req.Name,
		Code:        req.Code,
		Description: req.Description,
		Level:       req.Level,
		IsActive:    req.IsActive,
		IsSystem:    req.IsSystem,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, updated); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleDeleteRole handles DELETE /api/v1/roles/{id}
func (h *RoleHandler) HandleDeleteRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.roles.DeleteRole(ctx, middleware.GetOperatorFromContext(ctx), id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("role deleted",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("role_id", id.String()))

	utils.WriteNoContent(w)
}

// HandleAssignPermissions handles POST /api/v1/roles/{id}/permissions
func (h *RoleHandler) HandleAssignPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req AssignPermissionsRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	updated, err := h.roles.AssignPermissions(ctx, middleware.GetOperatorFromContext(ctx), id, req.PermissionIDs)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, updated); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleAddRolePermission handles POST /api/v1/roles/{id}/permissions/{permissionId}
func (h *RoleHandler) HandleAddRolePermission(w http.ResponseWriter, r *http.Request) {
	h.editRolePermission(w, r, h.roles.AddPermission)
}

// HandleRemoveRolePermission handles DELETE /api/v1/roles/{id}/permissions/{permissionId}
func (h *RoleHandler) HandleRemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	h.editRolePermission(w, r, h.roles.RemovePermission)
}

type rolePermissionEdit func(ctx context.Context, operator models.Operator, roleID, permissionID uuid.UUID) (*models.Role, error)

func (h *RoleHandler) editRolePermission(w http.ResponseWriter, r *http.Request, edit rolePermissionEdit) {
	ctx := r.Context()

	roleID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := pathUUID(w, r, "permissionId")
	if !ok {
		return
	}

	updated, err := edit(ctx, middleware.GetOperatorFromContext(ctx), roleID, permissionID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, updated); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleRoleAuditLogs handles GET /api/v1/roles/{id}/audit-logs, the role
// history fragment of the role detail view
func (h *RoleHandler) HandleRoleAuditLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	page, pageSize, err := pagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	logs, err := h.audit.ListByTarget(r.Context(), models.AuditTargetRole, id, page, pageSize)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, logs); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
