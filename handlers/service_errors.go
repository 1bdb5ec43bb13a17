package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	message := messageOf(err)
	details := services.GetErrorDetails(err)

	var writeErr error
	switch {
	case services.IsNotFoundError(err):
		writeErr = utils.WriteError(w, http.StatusNotFound, string(services.ErrorTypeNotFound), message, details)

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.IsDuplicateCodeError(err):
		writeErr = utils.WriteError(w, http.StatusConflict, string(services.ErrorTypeDuplicateCode), message, details)

	case services.IsImmutableFieldError(err):
		writeErr = utils.WriteError(w, http.StatusUnprocessableEntity, string(services.ErrorTypeImmutableField), message, details)

	case services.IsSystemRoleError(err):
		writeErr = utils.WriteError(w, http.StatusConflict, string(services.ErrorTypeSystemRole), message, details)

	case services.IsRoleInUseError(err):
		writeErr = utils.WriteError(w, http.StatusConflict, string(services.ErrorTypeRoleInUse), message, details)

	case services.IsPermissionInUseError(err):
		writeErr = utils.WriteError(w, http.StatusConflict, string(services.ErrorTypePermissionInUse), message, details)

	case services.IsUnauthenticatedError(err):
		writeErr = utils.WriteUnauthorized(w, message, details)

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteForbidden(w, "", message, details)

	case services.IsPartialFailureError(err):
		// The batch stopped midway; report how far it got
		logger.Error("batch stopped by an infrastructure error", zap.Error(err))
		writeErr = utils.WriteError(w, http.StatusInternalServerError, string(services.ErrorTypePartialFailure), message, details)

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// messageOf returns the client-facing message of a domain error
func messageOf(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}
