package middleware

import (
	"context"

	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services/access"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// IdentityKey is the context key for the caller identity
	IdentityKey contextKey = "identity"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetIdentityFromContext retrieves the caller identity. A request that never
// went through Authenticate is signed out.
func GetIdentityFromContext(ctx context.Context) access.Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(access.Identity); ok {
			return identity
		}
	}
	return access.Identity{}
}

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, identity access.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetPrincipalFromContext returns the signed-in principal or nil
func GetPrincipalFromContext(ctx context.Context) *models.Principal {
	return GetIdentityFromContext(ctx).Principal
}

// GetOperatorFromContext names the caller for audit entries
func GetOperatorFromContext(ctx context.Context) models.Operator {
	return models.OperatorFrom(GetPrincipalFromContext(ctx))
}
