package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/auth"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.ParsedClaims, error)
}

// PrincipalSource returns the cached principal of a user
type PrincipalSource interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Principal, error)
}

// AuthMiddleware resolves the caller identity of each request
type AuthMiddleware struct {
	validator   TokenValidator
	sessions    PrincipalSource
	loadTimeout time.Duration
	logger      *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. Requests wait at most
// loadTimeout for their principal before being reported as loading.
func NewAuthMiddleware(validator TokenValidator, sessions PrincipalSource, loadTimeout time.Duration, logger *zap.Logger) *AuthMiddleware {
	if loadTimeout <= 0 {
		loadTimeout = 2 * time.Second
	}
	return &AuthMiddleware{
		validator:   validator,
		sessions:    sessions,
		loadTimeout: loadTimeout,
		logger:      logger,
	}
}

// authTokenCookieName is the cookie name for tokens (Authorization header takes precedence)
// sessionCookieName is set by the console's sign-in flow
const authTokenCookieName = "auth_token"
const sessionCookieName = "session"

// RequestID copies chi's request ID into the context
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate stores the caller identity in the context. It never rejects
// a request by itself; the Guard decides what a missing identity means.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		identity, err := m.resolve(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to load principal",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "")
			return
		}

		if identity.Principal != nil {
			m.logger.Debug("authentication successful",
				zap.String("request_id", requestID),
				zap.String("user_id", identity.Principal.ID().String()))
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

func (m *AuthMiddleware) resolve(ctx context.Context, r *http.Request) (access.Identity, error) {
	requestID := GetRequestIDFromContext(ctx)

	token := extractToken(r)
	if token == "" {
		return access.Identity{}, nil
	}

	claims, err := m.validator.ValidateToken(ctx, token)
	if err != nil {
		m.logger.Warn("token validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		return access.Identity{}, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()

	principal, err := m.sessions.Get(loadCtx, claims.Subject)
	switch {
	case err == nil:
		return access.Identity{Principal: principal}, nil
	case errors.Is(err, access.ErrPrincipalLoading):
		m.logger.Warn("principal still loading",
			zap.String("request_id", requestID),
			zap.String("user_id", claims.Subject.String()))
		return access.Identity{Loading: true}, nil
	case services.IsUnauthenticatedError(err):
		m.logger.Warn("token subject has no account",
			zap.String("request_id", requestID),
			zap.String("user_id", claims.Subject.String()))
		return access.Identity{}, nil
	default:
		return access.Identity{}, err
	}
}

// extractToken extracts the token from the Authorization header ("Bearer TOKEN")
// or from the "auth_token" or "session" cookie. The header takes precedence.
func extractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	for _, name := range []string{authTokenCookieName, sessionCookieName} {
		if cookie, err := r.Cookie(name); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
