package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/services/permission"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// CreatePermissionRequest represents a request to create a custom permission
type CreatePermissionRequest struct {
	Code        string `json:"code" validate:"required,permcode"`
	Name        string `json:"name" validate:"required,max=100"`
	Category    string `json:"category" validate:"max=100"`
	Description string `json:"description" validate:"max=500"`
}

// UpdatePermissionRequest represents a partial update of a custom permission
type UpdatePermissionRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,max=100"`
	Category    *string `json:"category,omitempty" validate:"omitempty,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// PermissionCatalog defines the permission operations the API serves
type PermissionCatalog interface {
	ListPermissions(filter models.PermissionFilter) []models.Permission
	FindByID(id uuid.UUID) (models.Permission, bool)
	Tree() []models.PermissionCategory
	Resources() []string
	Actions() []string
	CreateCustom(ctx context.Context, operator models.Operator, input permission.CreateInput) (*models.Permission, error)
	UpdateCustom(ctx context.Context, operator models.Operator, id uuid.UUID, input permission.UpdateInput) (*models.Permission, error)
	DeleteCustom(ctx context.Context, operator models.Operator, id uuid.UUID) error
}

// PermissionHandler handles permission catalog HTTP requests
type PermissionHandler struct {
	catalog PermissionCatalog
	logger  *zap.Logger
}

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(catalog PermissionCatalog, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// HandleListPermissions handles GET /api/v1/permissions?search=&resource=&action=
func (h *PermissionHandler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.PermissionFilter{
		Search:   strings.TrimSpace(query.Get("search")),
		Resource: strings.TrimSpace(query.Get("resource")),
		Action:   strings.TrimSpace(query.Get("action")),
	}
	if filter.Action != "" && !models.Action(filter.Action).Valid() {
		HandleValidationError(w, &utils.ValidationError{
			Message: "Validation failed",
			Fields:  map[string]string{"action": "action must be one of create, read, update, delete, manage"},
		}, h.logger)
		return
	}

	if err := utils.WriteOK(w, h.catalog.ListPermissions(filter)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGetPermission handles GET /api/v1/permissions/{id}
func (h *PermissionHandler) HandleGetPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	perm, found := h.catalog.FindByID(id)
	if !found {
		HandleServiceError(w, services.PermissionNotFound(id), h.logger)
		return
	}
	if err := utils.WriteOK(w, perm); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandlePermissionResources handles GET /api/v1/permissions/resources
func (h *PermissionHandler) HandlePermissionResources(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.catalog.Resources()); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandlePermissionActions handles GET /api/v1/permissions/actions
func (h *PermissionHandler) HandlePermissionActions(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.catalog.Actions()); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandlePermissionTree handles GET /api/v1/permissions/tree
func (h *PermissionHandler) HandlePermissionTree(w http.ResponseWriter, r *http.Request) {
	tree := h.catalog.Tree()
	if tree == nil {
		tree = []models.PermissionCategory{}
	}
	if err := utils.WriteOK(w, tree); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleCreatePermission handles POST /api/v1/permissions
func (h *PermissionHandler) HandleCreatePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePermissionRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	perm, err := h.catalog.CreateCustom(ctx, middleware.GetOperatorFromContext(ctx), permission.CreateInput{
		Code:        req.Code,
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("permission created",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("permission_id", perm.ID.String()),
		zap.String("code", perm.Code))

	if err := utils.WriteCreated(w, perm); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleUpdatePermission handles PUT /api/v1/permissions/{id}
func (h *PermissionHandler) HandleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePermissionRequest
	if !decodeRequest(w, r, &req, h.logger) {
		return
	}

	perm, err := h.catalog.UpdateCustom(ctx, middleware.GetOperatorFromContext(ctx), id, permission.UpdateInput{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, perm); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleDeletePermission handles DELETE /api/v1/permissions/{id}
func (h *PermissionHandler) HandleDeletePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.catalog.DeleteCustom(ctx, middleware.GetOperatorFromContext(ctx), id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("permission deleted",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("permission_id", id.String()))

	utils.WriteNoContent(w)
}
