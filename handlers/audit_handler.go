package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// AuditReader defines the audit log queries the API serves
type AuditReader interface {
	List(ctx context.Context, page, pageSize int) (*models.AuditPage, error)
	ListByTarget(ctx context.Context, targetType models.AuditTargetType, targetID uuid.UUID, page, pageSize int) ([]*models.AuditLog, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	audit  AuditReader
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// HandleListAuditLogs handles GET /api/v1/audit-logs?page=&pageSize=
func (h *AuditHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pagination(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.audit.List(r.Context(), page, pageSize)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// pagination reads page and pageSize; the audit service clamps them
func pagination(r *http.Request) (page, pageSize int, err error) {
	if page, err = queryInt(r, "page", 1); err != nil {
		return 0, 0, err
	}
	if pageSize, err = queryInt(r, "pageSize", audit.DefaultPageSize); err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}
