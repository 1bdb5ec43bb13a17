package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/backoffice-authz/app"
	"github.com/upb/backoffice-authz/auth"
	"github.com/upb/backoffice-authz/config"
	"github.com/upb/backoffice-authz/internal/catalog"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

var bootstrapID = uuid.MustParse("6f1c2a8e-3c1d-4a53-9d0e-2b7c4a1f9e10")

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Store:       "memory",
		Server: config.ServerConfig{
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Auth: config.AuthConfig{
			JWTSecret:       testSecret,
			JWTIssuer:       "backoffice",
			JWTAudience:     "backoffice-console",
			LoginURL:        "/login",
			SessionTTL:      time.Minute,
			LoadTimeout:     time.Second,
			BootstrapUserID: bootstrapID.String(),
		},
		Permissions: config.PermissionConfig{
			AuditLogEnabled: true,
			MaxRolesPerUser: 10,
			DefaultRole:     "user",
			AdminRole:       "admin",
			SuperuserRole:   "super_admin",
		},
		Audit:     config.AuditConfig{BufferSize: 100, WorkerCount: 1},
		Cache:     config.CacheConfig{Backend: "memory", TTL: time.Minute, Size: 128},
		RateLimit: config.RateLimitConfig{Requests: 100, Window: time.Minute},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}

type testServer struct {
	*httptest.Server
	deps *app.Dependencies
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	deps, err := app.NewDependencies(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(func() {
		ts.Close()
		_ = deps.Close(context.Background())
	})
	return &testServer{Server: ts, deps: deps}
}

// addUser creates an active, verified account holding roleCodes
func (s *testServer) addUser(t *testing.T, name string, roleCodes ...string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	s.deps.MemoryStore.PutUser(models.User{
		ID:         id,
		Name:       name,
		Email:      name + "@example.com",
		IsActive:   true,
		IsVerified: true,
	})
	if len(roleCodes) > 0 {
		roleIDs := make([]uuid.UUID, 0, len(roleCodes))
		for _, code := range roleCodes {
			roleIDs = append(roleIDs, catalog.RoleID(code))
		}
		_, err := s.deps.Assignments.AssignRoles(context.Background(), models.SystemOperator, id, roleIDs, nil)
		require.NoError(t, err)
	}
	return id
}

func token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	now := time.Now()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    "backoffice",
			Audience:  jwt.ClaimStrings{"backoffice-console"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	t.Run("health check returns healthy", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})

	t.Run("ready once the catalog is loaded", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/readyz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Data struct {
				Checks map[string]string `json:"checks"`
			} `json:"data"`
		}
		decode(t, resp, &body)
		assert.Equal(t, "loaded", body.Data.Checks["catalog"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSignedOutRequests(t *testing.T) {
	s := newTestServer(t, testConfig())

	testCases := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"current principal", http.MethodGet, "/api/v1/me", http.StatusUnauthorized},
		{"list roles", http.MethodGet, "/api/v1/roles", http.StatusUnauthorized},
		{"create role", http.MethodPost, "/api/v1/roles", http.StatusUnauthorized},
		{"list permissions", http.MethodGet, "/api/v1/permissions", http.StatusUnauthorized},
		{"user roles", http.MethodGet, "/api/v1/users/" + uuid.NewString() + "/roles", http.StatusUnauthorized},
		{"audit logs", http.MethodGet, "/api/v1/audit-logs", http.StatusUnauthorized},
		{"capabilities are public", http.MethodGet, "/api/v1/me/capabilities", http.StatusOK},
		{"not found", http.MethodGet, "/api/v1/nonexistent", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := s.do(t, tc.method, tc.path, "", nil)
			assert.Equal(t, tc.expectedStatus, resp.StatusCode, "endpoint: %s %s", tc.method, tc.path)
		})
	}

	t.Run("forged token is signed out", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/v1/me", "not-a-token", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body utils.ErrorResponse
		decode(t, resp, &body)
		assert.Equal(t, "/login", body.Details["login_url"])
	})
}

func TestRouteGuards(t *testing.T) {
	s := newTestServer(t, testConfig())
	manager := token(t, s.addUser(t, "mia", "manager"))
	admin := token(t, s.addUser(t, "ada", "admin"))
	target := s.addUser(t, "ursula")

	t.Run("manager cannot read roles", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/v1/roles", manager, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		var body utils.ErrorResponse
		decode(t, resp, &body)
		assert.Equal(t, "forbidden", body.Error)
		assert.Equal(t, []interface{}{"role:read"}, body.Details["missing_permissions"])
	})

	t.Run("manager reads user roles but cannot assign", func(t *testing.T) {
		path := "/api/v1/users/" + target.String() + "/roles"
		resp := s.do(t, http.MethodGet, path, manager, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = s.do(t, http.MethodPost, path, manager, map[string]interface{}{"roleIds": []uuid.UUID{catalog.RoleID("guest")}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin browses permissions through role:read", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/v1/permissions/tree", admin, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("static permission routes win over the id route", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/v1/permissions/resources", admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Data []string `json:"data"`
		}
		decode(t, resp, &body)
		assert.Contains(t, body.Data, "user")

		resp = s.do(t, http.MethodGet, "/api/v1/permissions/"+catalog.PermissionID("user:read").String(), admin, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("single role permission edits need permission:manage", func(t *testing.T) {
		path := "/api/v1/roles/" + catalog.RoleID("guest").String() + "/permissions/" + catalog.PermissionID("role:read").String()
		resp := s.do(t, http.MethodPost, path, manager, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = s.do(t, http.MethodPost, path, admin, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp = s.do(t, http.MethodDelete, path, admin, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("admin reads the audit trail by role", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/v1/audit-logs", admin, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = s.do(t, http.MethodGet, "/api/v1/audit-logs", manager, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin assigns a role and the next request sees it", func(t *testing.T) {
		path := "/api/v1/users/" + target.String() + "/roles"
		resp := s.do(t, http.MethodPost, path, admin, map[string]interface{}{"roleIds": []uuid.UUID{catalog.RoleID("manager")}})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = s.do(t, http.MethodGet, "/api/v1/me/check?permission=user:update", token(t, target), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Data struct {
				Allowed bool `json:"allowed"`
			} `json:"data"`
		}
		decode(t, resp, &body)
		assert.True(t, body.Data.Allowed)
	})
}

func TestRoleLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig())
	admin := token(t, s.addUser(t, "ada", "admin"))
	root := token(t, bootstrapID)

	resp := s.do(t, http.MethodPost, "/api/v1/roles", admin, map[string]interface{}{
		"name":          "Auditor",
		"code":          "auditor",
		"level":         30,
		"permissionIds": []uuid.UUID{catalog.PermissionID("dashboard:read")},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Data models.Role `json:"data"`
	}
	decode(t, resp, &created)
	logsPath := "/api/v1/roles/" + created.Data.ID.String() + "/audit-logs"

	t.Run("audit fragment is a placeholder without system:manage", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, logsPath, admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body utils.SuccessResponse
		decode(t, resp, &body)
		assert.Nil(t, body.Data)
		assert.NotEmpty(t, body.Message)
	})

	t.Run("superuser sees the role history", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			resp := s.do(t, http.MethodGet, logsPath, root, nil)
			if resp.StatusCode != http.StatusOK {
				return false
			}
			var body struct {
				Data []models.AuditLog `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return false
			}
			return len(body.Data) == 1 && body.Data[0].Action == models.AuditActionCreate
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("system roles cannot be deleted", func(t *testing.T) {
		resp := s.do(t, http.MethodDelete, "/api/v1/roles/"+catalog.RoleID("guest").String(), root, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("custom role is deleted", func(t *testing.T) {
		resp := s.do(t, http.MethodDelete, "/api/v1/roles/"+created.Data.ID.String(), admin, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestMutationRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Requests: 2, Window: time.Minute}
	s := newTestServer(t, cfg)
	admin := token(t, s.addUser(t, "ada", "admin"))

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodPost, "/api/v1/roles", admin, map[string]interface{}{"name": ""})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	resp := s.do(t, http.MethodPost, "/api/v1/roles", admin, map[string]interface{}{"name": ""})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// reads are not limited
	resp = s.do(t, http.MethodGet, "/api/v1/roles", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSMiddleware(t *testing.T) {
	s := newTestServer(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, s.URL+"/api/v1/roles", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST"))
}
