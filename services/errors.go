package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeDuplicateCode   ErrorType = "duplicate_code"
	ErrorTypeImmutableField  ErrorType = "immutable_field"
	ErrorTypeSystemRole      ErrorType = "system_role"
	ErrorTypeRoleInUse       ErrorType = "role_in_use"
	ErrorTypePermissionInUse ErrorType = "permission_in_use"
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypePartialFailure  ErrorType = "partial_failure"
	ErrorTypeInternal        ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error. Never call it on the package sentinels.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables, for errors.Is matching

var (
	// Not Found Errors
	ErrRoleNotFound       = NewDomainError(ErrorTypeNotFound, "role not found", nil)
	ErrPermissionNotFound = NewDomainError(ErrorTypeNotFound, "permission not found", nil)
	ErrUserNotFound       = NewDomainError(ErrorTypeNotFound, "user not found", nil)

	// Validation Errors
	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidLevel      = NewDomainError(ErrorTypeValidation, "role level must be between 1 and 100", nil)
	ErrInactiveRole      = NewDomainError(ErrorTypeValidation, "role is inactive", nil)
	ErrTooManyRoles      = NewDomainError(ErrorTypeValidation, "user has reached the maximum number of roles", nil)
	ErrInvalidPermission = NewDomainError(ErrorTypeValidation, "invalid permission code", nil)

	// Role Store invariants
	ErrDuplicateCode   = NewDomainError(ErrorTypeDuplicateCode, "code already exists", nil)
	ErrImmutableField  = NewDomainError(ErrorTypeImmutableField, "field cannot be changed on a system record", nil)
	ErrSystemRole      = NewDomainError(ErrorTypeSystemRole, "system roles cannot be deleted", nil)
	ErrRoleInUse       = NewDomainError(ErrorTypeRoleInUse, "role is assigned to users", nil)
	ErrPermissionInUse = NewDomainError(ErrorTypePermissionInUse, "permission is referenced by roles", nil)

	// Access Errors
	ErrUnauthenticated = NewDomainError(ErrorTypeUnauthenticated, "authentication required", nil)
	ErrInvalidToken    = NewDomainError(ErrorTypeUnauthenticated, "invalid authentication token", nil)
	ErrUnauthorized    = NewDomainError(ErrorTypeUnauthorized, "insufficient permissions", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrCacheFailed       = NewDomainError(ErrorTypeInternal, "cache operation failed", nil)
)

// Constructors for errors that carry per-call details

// RoleNotFound reports an unknown role id
func RoleNotFound(id uuid.UUID) *DomainError {
	return NewDomainError(ErrorTypeNotFound, "role not found", nil).WithDetail("role_id", id.String())
}

// PermissionNotFound reports an unknown permission id
func PermissionNotFound(id uuid.UUID) *DomainError {
	return NewDomainError(ErrorTypeNotFound, "permission not found", nil).WithDetail("permission_id", id.String())
}

// UserNotFound reports an unknown user id
func UserNotFound(id uuid.UUID) *DomainError {
	return NewDomainError(ErrorTypeNotFound, "user not found", nil).WithDetail("user_id", id.String())
}

// DuplicateCode reports a code collision
func DuplicateCode(code string, err error) *DomainError {
	return NewDomainError(ErrorTypeDuplicateCode, fmt.Sprintf("code %q already exists", code), err).WithDetail("code", code)
}

// ImmutableField reports an illegal edit of a system record
func ImmutableField(field string) *DomainError {
	return NewDomainError(ErrorTypeImmutableField, fmt.Sprintf("%s cannot be changed on a system role", field), nil).WithDetail("field", field)
}

// Validation reports invalid input on a single field
func Validation(field, message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil).WithDetail("field", field)
}

// Unauthorized reports the permissions or roles a principal is missing
func Unauthorized(missingPermissions, missingRoles []string) *DomainError {
	err := NewDomainError(ErrorTypeUnauthorized, "insufficient permissions", nil)
	if len(missingPermissions) > 0 {
		err.WithDetail("missing_permissions", missingPermissions)
	}
	if len(missingRoles) > 0 {
		err.WithDetail("missing_roles", missingRoles)
	}
	return err
}

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsDuplicateCodeError checks if an error is a code collision
func IsDuplicateCodeError(err error) bool { return hasType(err, ErrorTypeDuplicateCode) }

// IsImmutableFieldError checks if an error is an illegal system role edit
func IsImmutableFieldError(err error) bool { return hasType(err, ErrorTypeImmutableField) }

// IsSystemRoleError checks if an error is an illegal system role delete
func IsSystemRoleError(err error) bool { return hasType(err, ErrorTypeSystemRole) }

// IsRoleInUseError checks if an error is a delete of an assigned role
func IsRoleInUseError(err error) bool { return hasType(err, ErrorTypeRoleInUse) }

// IsPermissionInUseError checks if an error is a delete of a referenced permission
func IsPermissionInUseError(err error) bool { return hasType(err, ErrorTypePermissionInUse) }

// IsUnauthenticatedError checks if an error is a missing or invalid identity
func IsUnauthenticatedError(err error) bool { return hasType(err, ErrorTypeUnauthenticated) }

// IsUnauthorizedError checks if an error is a missing permission or role
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsPartialFailureError checks if a batch stopped part way
func IsPartialFailureError(err error) bool { return hasType(err, ErrorTypePartialFailure) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// PartialFailure wraps the error that stopped a batch together with the
// progress made before it
func PartialFailure(message string, err error, details map[string]interface{}) *DomainError {
	e := NewDomainError(ErrorTypePartialFailure, message, err)
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

// AsDomainError passes domain errors through and wraps anything else as internal
func AsDomainError(message string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return WrapInternal(message, err)
}
