package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// ConsoleGates are the named UI elements the console asks about
var ConsoleGates = map[string]access.Gate{
	"dashboard.view":     {Permissions: []string{"dashboard:read"}, Mode: access.ModeAll},
	"users.view":         {Permissions: []string{"user:read"}, Mode: access.ModeAll},
	"users.edit":         {Permissions: []string{"user:update"}, Mode: access.ModeAll},
	"users.assignRoles":  {Permissions: []string{"user:read", "user:manage"}, Mode: access.ModeAll},
	"roles.view":         {Permissions: []string{"role:read"}, Mode: access.ModeAll},
	"roles.create":       {Permissions: []string{"role:create"}, Mode: access.ModeAll},
	"roles.edit":         {Permissions: []string{"role:update"}, Mode: access.ModeAll},
	"roles.delete":       {Permissions: []string{"role:delete"}, Mode: access.ModeAll},
	"permissions.view":   {Permissions: []string{"role:read", "permission:manage"}, Mode: access.ModeAny},
	"permissions.manage": {Permissions: []string{"permission:manage"}, Mode: access.ModeAll},
	"settings.manage":    {Permissions: []string{"settings:manage"}, Mode: access.ModeAll},
	"system.manage":      {Permissions: []string{"system:manage"}, Mode: access.ModeAll},
}

// MeRole is a live role of the current principal
type MeRole struct {
	ID         uuid.UUID  `json:"id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Level      int        `json:"level"`
	AssignedAt time.Time  `json:"assignedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// MeResponse describes the signed-in principal
type MeResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Roles       []MeRole  `json:"roles"`
	Permissions []string  `json:"permissions"`
	IsSuperuser bool      `json:"isSuperuser"`
	IsActive    bool      `json:"isActive"`
	IsVerified  bool      `json:"isVerified"`
	IsAdmin     bool      `json:"isAdmin"`
}

// CapabilitiesResponse answers which console elements the principal may see
type CapabilitiesResponse struct {
	IsAdmin      bool            `json:"isAdmin"`
	Capabilities map[string]bool `json:"capabilities"`
}

// MeHandler serves the current principal's view of its own access
type MeHandler struct {
	decider *access.Decider
	gates   map[string]access.Gate
	logger  *zap.Logger
}

// NewMeHandler creates a new MeHandler evaluating gates for capabilities
func NewMeHandler(decider *access.Decider, gates map[string]access.Gate, logger *zap.Logger) *MeHandler {
	return &MeHandler{
		decider: decider,
		gates:   gates,
		logger:  logger,
	}
}

// HandleMe handles GET /api/v1/me
func (h *MeHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "", nil)
		return
	}

	if err := utils.WriteOK(w, h.describe(principal)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func (h *MeHandler) describe(principal *models.Principal) MeResponse {
	now := h.decider.Now()

	roles := make([]MeRole, 0, len(principal.Roles))
	for _, pr := range principal.Roles {
		if pr.Liveness(now) != nil {
			continue
		}
		roles = append(roles, MeRole{
			ID:         pr.Role.ID,
			Code:       pr.Role.Code,
			Name:       pr.Role.Name,
			Level:      pr.Role.Level,
			AssignedAt: pr.AssignedAt,
			ExpiresAt:  pr.ExpiresAt,
		})
	}
	sort.SliceStable(roles, func(i, j int) bool { return roles[i].Level > roles[j].Level })

	perms := h.decider.EffectivePermissions(principal)
	if perms == nil {
		perms = []string{}
	}

	return MeResponse{
		ID:          principal.User.ID,
		Name:        principal.User.DisplayName(),
		Email:       principal.User.Email,
		Roles:       roles,
		Permissions: perms,
		IsSuperuser: principal.User.IsSuperuser,
		IsActive:    principal.User.IsActive,
		IsVerified:  principal.User.IsVerified,
		IsAdmin:     h.decider.IsAdmin(principal),
	}
}

// HandleCapabilities handles GET /api/v1/me/capabilities
func (h *MeHandler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipalFromContext(r.Context())

	caps := make(map[string]bool, len(h.gates))
	for name, gate := range h.gates {
		caps[name] = gate.Allows(h.decider, principal)
	}

	if err := utils.WriteOK(w, CapabilitiesResponse{
		IsAdmin:      principal != nil && h.decider.IsAdmin(principal),
		Capabilities: caps,
	}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleCheck handles GET /api/v1/me/check?permission=
func (h *MeHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("permission")
	if code == "" {
		_ = utils.WriteBadRequest(w, "permission is required", nil)
		return
	}

	result := h.decider.Check(middleware.GetPrincipalFromContext(r.Context()), code)
	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
