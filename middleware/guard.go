package middleware

import (
	"net/http"
	"net/url"
	"time"

	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// DecisionRecorder counts enforcement outcomes
type DecisionRecorder interface {
	RecordDecision(point, state string)
}

const (
	pointRoute = "route"
	pointGate  = "gate"
)

// GuardMiddleware turns access decisions into HTTP responses
type GuardMiddleware struct {
	guard      *access.Guard
	decider    *access.Decider
	loginURL   string
	retryAfter time.Duration
	metrics    DecisionRecorder
	logger     *zap.Logger
}

// NewGuardMiddleware creates a GuardMiddleware. Unauthenticated page
// navigations are redirected to loginURL.
func NewGuardMiddleware(decider *access.Decider, loginURL string, metrics DecisionRecorder, logger *zap.Logger) *GuardMiddleware {
	return &GuardMiddleware{
		guard:      access.NewGuard(decider),
		decider:    decider,
		loginURL:   loginURL,
		retryAfter: time.Second,
		metrics:    metrics,
		logger:     logger,
	}
}

// GuardOption customizes a single guarded route
type GuardOption func(*guardOptions)

type guardOptions struct {
	fallback http.Handler
}

// WithFallback serves h instead of the 403 response when a permission or role
// requirement fails. Account and sign-in failures are never replaced.
func WithFallback(h http.Handler) GuardOption {
	return func(o *guardOptions) { o.fallback = h }
}

// Require guards a route with req
func (m *GuardMiddleware) Require(req access.Requirements, opts ...GuardOption) func(http.Handler) http.Handler {
	return m.RequireAny([]access.Requirements{req}, opts...)
}

// RequireAny guards a route that any of alternatives opens. Denials report
// what the first alternative is missing.
func (m *GuardMiddleware) RequireAny(alternatives []access.Requirements, opts ...GuardOption) func(http.Handler) http.Handler {
	if len(alternatives) == 0 {
		alternatives = []access.Requirements{{}}
	}
	var o guardOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetIdentityFromContext(r.Context())
			decision := m.decide(identity, alternatives)
			m.record(pointRoute, string(decision.State))

			if decision.Granted() {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, identity, decision, o.fallback)
		})
	}
}

func (m *GuardMiddleware) decide(identity access.Identity, alternatives []access.Requirements) access.RouteDecision {
	first := m.guard.Decide(identity, alternatives[0])
	if first.Granted() {
		return first
	}
	for _, req := range alternatives[1:] {
		if d := m.guard.Decide(identity, req); d.Granted() {
			return d
		}
	}
	return first
}

func (m *GuardMiddleware) deny(w http.ResponseWriter, r *http.Request, identity access.Identity, decision access.RouteDecision, fallback http.Handler) {
	requestID := GetRequestIDFromContext(r.Context())

	switch decision.State {
	case access.StateLoading:
		_ = utils.WriteServiceUnavailable(w, "Identity is still loading", m.retryAfter)

	case access.StateDeniedUnauthenticated:
		if utils.WantsHTML(r) {
			http.Redirect(w, r, m.loginRedirect(r), http.StatusFound)
			return
		}
		_ = utils.WriteUnauthorized(w, "", map[string]interface{}{"login_url": m.loginURL})

	case access.StateDeniedDisabled:
		_ = utils.WriteForbidden(w, "account_disabled", "Account is disabled", nil)

	case access.StateDeniedUnverified:
		_ = utils.WriteForbidden(w, "account_unverified", "Account is not verified", nil)

	default:
		m.logger.Warn("access denied",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.String("state", string(decision.State)),
			zap.String("user_id", identity.Principal.ID().String()),
			zap.Strings("missing_permissions", decision.MissingPermissions),
			zap.Strings("missing_roles", decision.MissingRoles))

		if fallback != nil {
			fallback.ServeHTTP(w, r)
			return
		}
		details := map[string]interface{}{}
		if len(decision.MissingPermissions) > 0 {
			details["missing_permissions"] = decision.MissingPermissions
		}
		if len(decision.MissingRoles) > 0 {
			details["missing_roles"] = decision.MissingRoles
		}
		_ = utils.WriteForbidden(w, "", "Insufficient permissions", details)
	}
}

func (m *GuardMiddleware) loginRedirect(r *http.Request) string {
	target, err := url.Parse(m.loginURL)
	if err != nil {
		return m.loginURL
	}
	q := target.Query()
	q.Set("next", r.URL.RequestURI())
	target.RawQuery = q.Encode()
	return target.String()
}

// Gate serves content when the caller passes gate, otherwise fallback or,
// without one, the insufficient permission placeholder
func (m *GuardMiddleware) Gate(gate access.Gate, content, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipalFromContext(r.Context())

		switch gate.Select(m.decider, principal, fallback != nil) {
		case access.RenderContent:
			m.record(pointGate, string(access.StateGranted))
			content.ServeHTTP(w, r)
		case access.RenderFallback:
			m.record(pointGate, "fallback")
			fallback.ServeHTTP(w, r)
		default:
			m.record(pointGate, "placeholder")
			_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse{Message: access.InsufficientPermission})
		}
	})
}

func (m *GuardMiddleware) record(point, state string) {
	if m.metrics != nil {
		m.metrics.RecordDecision(point, state)
	}
}
