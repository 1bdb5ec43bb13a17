package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/upb/backoffice-authz/app"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/utils"
)

// permissions builds a route requirement holding every code
func permissions(codes ...string) access.Requirements {
	return access.Requirements{Permissions: codes}
}

// mutationLimiter limits admin writes per client IP. A non-positive limit
// disables it.
func mutationLimiter(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(requests, window)
}

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(deps.Metrics.Middleware)

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)
	r.Handle("/metrics", deps.Metrics.Handler())

	guard := deps.GuardMiddleware
	limit := mutationLimiter(deps.Config.RateLimit.Requests, deps.Config.RateLimit.Window)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.Authenticate)

		// Current principal
		r.Route("/me", func(r chi.Router) {
			r.With(guard.Require(access.Requirements{})).Get("/", deps.MeHandler.HandleMe)
			r.With(guard.Require(access.Requirements{})).Get("/check", deps.MeHandler.HandleCheck)
			// Signed-out callers get every capability false
			r.Get("/capabilities", deps.MeHandler.HandleCapabilities)
		})

		// Permission catalog
		r.Route("/permissions", func(r chi.Router) {
			browse := guard.RequireAny([]access.Requirements{
				permissions("role:read"),
				permissions("permission:manage"),
			})
			manage := guard.Require(permissions("permission:manage"))

			r.With(browse).Get("/", deps.PermissionHandler.HandleListPermissions)
			r.With(browse).Get("/tree", deps.PermissionHandler.HandlePermissionTree)
			r.With(browse).Get("/resources", deps.PermissionHandler.HandlePermissionResources)
			r.With(browse).Get("/actions", deps.PermissionHandler.HandlePermissionActions)
			r.With(browse).Get("/{id}", deps.PermissionHandler.HandleGetPermission)
			r.With(manage, limit).Post("/", deps.PermissionHandler.HandleCreatePermission)
			r.With(manage, limit).Put("/{id}", deps.PermissionHandler.HandleUpdatePermission)
			r.With(manage, limit).Delete("/{id}", deps.PermissionHandler.HandleDeletePermission)
		})

		// Role management
		r.Route("/roles", func(r chi.Router) {
			read := guard.Require(permissions("role:read"))

			r.With(read).Get("/", deps.RoleHandler.HandleListRoles)
			r.With(read).Get("/stats", deps.RoleHandler.HandleRoleStats)
			r.With(read).Get("/{id}", deps.RoleHandler.HandleGetRole)
			r.With(read).Method(http.MethodGet, "/{id}/audit-logs", guard.Gate(
				access.Gate{Permissions: []string{"system:manage"}},
				http.HandlerFunc(deps.RoleHandler.HandleRoleAuditLogs),
				nil,
			))

			r.With(guard.Require(permissions("role:create")), limit).Post("/", deps.RoleHandler.HandleCreateRole)
			r.With(guard.Require(permissions("role:update")), limit).Put("/{id}", deps.RoleHandler.HandleUpdateRole)
			r.With(guard.Require(permissions("role:delete")), limit).Delete("/{id}", deps.RoleHandler.HandleDeleteRole)
			r.With(guard.Require(permissions("permission:manage")), limit).Post("/{id}/permissions", deps.RoleHandler.HandleAssignPermissions)
			r.With(guard.Require(permissions("permission:manage")), limit).Post("/{id}/permissions/{permissionId}", deps.RoleHandler.HandleAddRolePermission)
			r.With(guard.Require(permissions("permission:manage")), limit).Delete("/{id}/permissions/{permissionId}", deps.RoleHandler.HandleRemoveRolePermission)
		})

		// Role assignment
		r.Route("/users/{id}/roles", func(r chi.Router) {
			manage := guard.Require(permissions("user:manage"))

			r.With(guard.Require(permissions("user:read"))).Get("/", deps.UserRoleHandler.HandleListUserRoles)
			r.With(manage, limit).Post("/", deps.UserRoleHandler.HandleAssignRoles)
			r.With(manage, limit).Delete("/", deps.UserRoleHandler.HandleRemoveRoles)
		})

		// Audit trail (system managers or the admin role)
		r.With(guard.RequireAny([]access.Requirements{
			permissions("system:manage"),
			{Roles: []string{deps.Config.Permissions.AdminRole}},
		})).Get("/audit-logs", deps.AuditHandler.HandleListAuditLogs)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
