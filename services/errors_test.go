package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "role not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: role not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeRoleInUse,
				Message: "role is assigned to users",
			},
			wantMsg: "role_in_use: role is assigned to users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same error type", RoleNotFound(uuid.New()), ErrRoleNotFound, true},
		{"different error type", ImmutableField("code"), ErrRoleNotFound, false},
		{"wrapped", fmt.Errorf("update: %w", ImmutableField("code")), ErrImmutableField, true},
		{"not a domain error", RoleNotFound(uuid.New()), errors.New("regular error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestConstructorsDoNotShareDetails(t *testing.T) {
	a := RoleNotFound(uuid.New())
	b := RoleNotFound(uuid.New())

	assert.NotEqual(t, a.Details["role_id"], b.Details["role_id"])
	assert.Empty(t, ErrRoleNotFound.Details)
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", PermissionNotFound(uuid.New()), IsNotFoundError, true},
		{"validation", Validation("level", "bad level"), IsValidationError, true},
		{"duplicate code", DuplicateCode("admin", nil), IsDuplicateCodeError, true},
		{"immutable field", ImmutableField("isSystem"), IsImmutableFieldError, true},
		{"system role", ErrSystemRole, IsSystemRoleError, true},
		{"role in use", ErrRoleInUse, IsRoleInUseError, true},
		{"permission in use", ErrPermissionInUse, IsPermissionInUseError, true},
		{"unauthenticated", ErrInvalidToken, IsUnauthenticatedError, true},
		{"unauthorized", Unauthorized([]string{"role:read"}, nil), IsUnauthorizedError, true},
		{"internal", WrapInternal("boom", errors.New("x")), IsInternalError, true},
		{"partial", PartialFailure("stopped", errors.New("x"), nil), IsPartialFailureError, true},
		{"unauthorized is not unauthenticated", ErrUnauthorized, IsUnauthenticatedError, false},
		{"regular error", errors.New("regular"), IsNotFoundError, false},
		{"nil error", nil, IsNotFoundError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestUnauthorized_Details(t *testing.T) {
	err := Unauthorized([]string{"permission:manage"}, []string{"admin"})
	assert.Equal(t, []string{"permission:manage"}, err.Details["missing_permissions"])
	assert.Equal(t, []string{"admin"}, err.Details["missing_roles"])

	onlyPerms := Unauthorized([]string{"role:read"}, nil)
	assert.NotContains(t, onlyPerms.Details, "missing_roles")
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeNotFound, GetErrorType(ErrRoleNotFound))
	assert.Equal(t, ErrorTypeDuplicateCode, GetErrorType(fmt.Errorf("wrapped: %w", DuplicateCode("x", nil))))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("regular")))
}

func TestGetErrorDetails(t *testing.T) {
	details := GetErrorDetails(DuplicateCode("manager", nil))
	require.NotNil(t, details)
	assert.Equal(t, "manager", details["code"])

	assert.Nil(t, GetErrorDetails(errors.New("regular error")))
}

func TestPartialFailure(t *testing.T) {
	base := errors.New("connection reset")
	err := PartialFailure("assignment stopped", base, map[string]interface{}{"assigned_count": 2})

	assert.Equal(t, 2, err.Details["assigned_count"])
	assert.Equal(t, base, errors.Unwrap(err))
}

func TestAsDomainError(t *testing.T) {
	assert.NoError(t, AsDomainError("x", nil))

	notFound := RoleNotFound(uuid.New())
	assert.Same(t, notFound, AsDomainError("x", notFound))

	wrapped := AsDomainError("failed to load role", errors.New("io"))
	assert.True(t, IsInternalError(wrapped))
}
