package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/backoffice-authz/auth"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/services/access"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*auth.ParsedClaims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.ParsedClaims), args.Error(1)
}

// MockPrincipalSource is a mock implementation of PrincipalSource
type MockPrincipalSource struct {
	mock.Mock
}

func (m *MockPrincipalSource) Get(ctx context.Context, userID uuid.UUID) (*models.Principal, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Principal), args.Error(1)
}

func testPrincipal(id uuid.UUID) *models.Principal {
	return &models.Principal{User: models.User{ID: id, Name: "Ana", IsActive: true, IsVerified: true}}
}

// captureIdentity records the identity the next handler saw
func captureIdentity(got *access.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticate(t *testing.T) {
	logger := zap.NewNop()
	userID := uuid.New()

	t.Run("bearer token resolves principal", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "valid-token").Return(&auth.ParsedClaims{Subject: userID}, nil)
		sessions.On("Get", mock.Anything, userID).Return(testPrincipal(userID), nil)

		var got access.Identity
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		m.Authenticate(captureIdentity(&got)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.False(t, got.Loading)
		if assert.NotNil(t, got.Principal) {
			assert.Equal(t, userID, got.Principal.ID())
		}
		validator.AssertExpectations(t)
		sessions.AssertExpectations(t)
	})

	t.Run("cookie token resolves principal", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "cookie-token").Return(&auth.ParsedClaims{Subject: userID}, nil)
		sessions.On("Get", mock.Anything, userID).Return(testPrincipal(userID), nil)

		var got access.Identity
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: "cookie-token"})
		m.Authenticate(captureIdentity(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.NotNil(t, got.Principal)
	})

	t.Run("header wins over cookie", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "header-token").Return(&auth.ParsedClaims{Subject: userID}, nil)
		sessions.On("Get", mock.Anything, userID).Return(testPrincipal(userID), nil)

		var got access.Identity
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer header-token")
		req.AddCookie(&http.Cookie{Name: "session", Value: "cookie-token"})
		m.Authenticate(captureIdentity(&got)).ServeHTTP(httptest.NewRecorder(), req)

		validator.AssertNotCalled(t, "ValidateToken", mock.Anything, "cookie-token")
		assert.NotNil(t, got.Principal)
	})

	t.Run("missing token is signed out", func(t *testing.T) {
		validator := new(MockTokenValidator)
		m := NewAuthMiddleware(validator, new(MockPrincipalSource), time.Second, logger)

		var got access.Identity
		w := httptest.NewRecorder()
		m.Authenticate(captureIdentity(&got)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, got.Principal)
		assert.False(t, got.Loading)
		validator.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
	})

	t.Run("invalid token is signed out", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "bad").Return(nil, auth.ErrTokenExpired)

		var got access.Identity
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer bad")
		m.Authenticate(captureIdentity(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.Nil(t, got.Principal)
		sessions.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("slow principal load is loading", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "valid-token").Return(&auth.ParsedClaims{Subject: userID}, nil)
		sessions.On("Get", mock.Anything, userID).Return(nil, access.ErrPrincipalLoading)

		var got access.Identity
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		m.Authenticate(captureIdentity(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.True(t, got.Loading)
	})

	t.Run("unknown account is signed out", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "valid-token").Return(&auth.ParsedClaims{Subject: userID}, nil)
		sessions.On("Get", mock.Anything, userID).Return(nil, services.ErrUnauthenticated)

		var got access.Identity
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		m.Authenticate(captureIdentity(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.Nil(t, got.Principal)
		assert.False(t, got.Loading)
	})

	t.Run("storage failure is a server error", func(t *testing.T) {
		validator := new(MockTokenValidator)
		sessions := new(MockPrincipalSource)
		m := NewAuthMiddleware(validator, sessions, time.Second, logger)

		validator.On("ValidateToken", mock.Anything, "valid-token").Return(&auth.ParsedClaims{Subject: userID}, nil)
		sessions.On("Get", mock.Anything, userID).Return(nil, errors.New("connection refused"))

		called := false
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.False(t, called)
	})
}

func TestRequestID(t *testing.T) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(RequestID)

	var seen string
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-42", seen)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer abc", "abc"},
		{"lowercase scheme", "bearer abc", "abc"},
		{"basic auth", "Basic abc", ""},
		{"no token", "Bearer", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(req))
		})
	}
}
