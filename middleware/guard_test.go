package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

type decisionSpy struct {
	decisions []string
}

func (s *decisionSpy) RecordDecision(point, state string) {
	s.decisions = append(s.decisions, point+":"+state)
}

func managerPrincipal() *models.Principal {
	p := testPrincipal(uuid.New())
	p.Roles = []models.PrincipalRole{{Role: models.Role{
		Code: "manager",
		Name: "Manager",
		Permissions: []models.Permission{
			{Code: "user:read"},
			{Code: "user:update"},
		},
	}}}
	return p
}

func newGuardMiddleware(spy *decisionSpy) *GuardMiddleware {
	return NewGuardMiddleware(access.NewDecider("admin", nil), "/login", spy, zap.NewNop())
}

func serveGuarded(h http.Handler, identity access.Identity, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), identity)))
	return w
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("guarded content"))
})

func TestGuard_States(t *testing.T) {
	disabled := managerPrincipal()
	disabled.User.IsActive = false
	unverified := managerPrincipal()
	unverified.User.IsVerified = false

	tests := []struct {
		name       string
		identity   access.Identity
		req        access.Requirements
		wantStatus int
		wantError  string
	}{
		{"granted", access.Identity{Principal: managerPrincipal()}, access.Requirements{Permissions: []string{"user:read"}}, http.StatusOK, ""},
		{"loading", access.Identity{Loading: true}, access.Requirements{}, http.StatusServiceUnavailable, "loading"},
		{"signed out api call", access.Identity{}, access.Requirements{}, http.StatusUnauthorized, "unauthorized"},
		{"disabled", access.Identity{Principal: disabled}, access.Requirements{}, http.StatusForbidden, "account_disabled"},
		{"unverified", access.Identity{Principal: unverified}, access.Requirements{}, http.StatusForbidden, "account_unverified"},
		{"missing permission", access.Identity{Principal: managerPrincipal()}, access.Requirements{Permissions: []string{"permission:manage"}}, http.StatusForbidden, "forbidden"},
		{"missing role", access.Identity{Principal: managerPrincipal()}, access.Requirements{Roles: []string{"admin"}}, http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &decisionSpy{}
			h := newGuardMiddleware(spy).Require(tt.req)(okHandler)

			w := serveGuarded(h, tt.identity, httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			require.Len(t, spy.decisions, 1)

			if tt.wantError == "" {
				assert.Equal(t, "guarded content", w.Body.String())
				return
			}
			var resp utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantError, resp.Error)
			assert.NotContains(t, w.Body.String(), "guarded content")
		})
	}
}

func TestGuard_ForbiddenListsMissingPermission(t *testing.T) {
	spy := &decisionSpy{}
	h := newGuardMiddleware(spy).Require(access.Requirements{Permissions: []string{"permission:manage"}})(okHandler)

	w := serveGuarded(h, access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/api/v1/permissions", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Location"), "a denial never navigates")
	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []interface{}{"permission:manage"}, resp.Details["missing_permissions"])
	assert.Equal(t, []string{"route:denied-permission"}, spy.decisions)
}

func TestGuard_RedirectsPageNavigation(t *testing.T) {
	h := newGuardMiddleware(&decisionSpy{}).Require(access.Requirements{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me?tab=roles", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	w := serveGuarded(h, access.Identity{}, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?next=%2Fapi%2Fv1%2Fme%3Ftab%3Droles", w.Header().Get("Location"))
}

func TestGuard_LoginURLInDetails(t *testing.T) {
	h := newGuardMiddleware(&decisionSpy{}).Require(access.Requirements{})(okHandler)
	w := serveGuarded(h, access.Identity{}, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))

	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "/login", resp.Details["login_url"])
}

func TestGuard_LoadingSetsRetryAfter(t *testing.T) {
	h := newGuardMiddleware(&decisionSpy{}).Require(access.Requirements{})(okHandler)
	w := serveGuarded(h, access.Identity{Loading: true}, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))

	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestGuard_Fallback(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fallback"))
	})
	h := newGuardMiddleware(&decisionSpy{}).Require(
		access.Requirements{Roles: []string{"admin"}},
		WithFallback(fallback),
	)(okHandler)

	w := serveGuarded(h, access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "fallback", w.Body.String())

	// account problems are never replaced by the fallback
	disabled := managerPrincipal()
	disabled.User.IsActive = false
	w = serveGuarded(h, access.Identity{Principal: disabled}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGuard_RequireAny(t *testing.T) {
	gm := newGuardMiddleware(&decisionSpy{})
	h := gm.RequireAny([]access.Requirements{
		{Permissions: []string{"role:read"}},
		{Permissions: []string{"user:read"}},
	})(okHandler)

	w := serveGuarded(h, access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h = gm.RequireAny([]access.Requirements{
		{Permissions: []string{"system:manage"}},
		{Roles: []string{"admin"}},
	})(okHandler)
	w = serveGuarded(h, access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []interface{}{"system:manage"}, resp.Details["missing_permissions"])
}

func TestGate(t *testing.T) {
	spy := &decisionSpy{}
	gm := newGuardMiddleware(spy)
	gate := access.Gate{Permissions: []string{"system:manage"}, Mode: access.ModeAll}
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fallback"))
	})

	t.Run("content", func(t *testing.T) {
		open := access.Gate{Permissions: []string{"user:read"}, Mode: access.ModeAll}
		w := serveGuarded(gm.Gate(open, okHandler, nil), access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, "guarded content", w.Body.String())
	})

	t.Run("fallback", func(t *testing.T) {
		w := serveGuarded(gm.Gate(gate, okHandler, fallback), access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, "fallback", w.Body.String())
	})

	t.Run("placeholder", func(t *testing.T) {
		w := serveGuarded(gm.Gate(gate, okHandler, nil), access.Identity{Principal: managerPrincipal()}, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)

		var resp utils.SuccessResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, access.InsufficientPermission, resp.Message)
		assert.Nil(t, resp.Data)
	})

	assert.Equal(t, []string{"gate:granted", "gate:fallback", "gate:placeholder"}, spy.decisions)
}
