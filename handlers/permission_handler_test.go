package handlers

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/backoffice-authz/internal/catalog"
	"github.com/upb/backoffice-authz/models"
	"go.uber.org/zap"
)

func TestHandleListPermissions(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())

	w := serve(http.MethodGet, "/permissions", "/permissions", nil, nil, h.HandleListPermissions)
	require.Equal(t, http.StatusOK, w.Code)

	var perms []models.Permission
	decodeData(t, w, &perms)
	assert.Len(t, perms, 15)
	for i := 1; i < len(perms); i++ {
		assert.LessOrEqual(t, perms[i-1].Category, perms[i].Category, "ordered by category")
	}
}

func TestHandleListPermissions_Filters(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())

	codes := func(t *testing.T, target string) []string {
		t.Helper()
		w := serve(http.MethodGet, "/permissions", target, nil, nil, h.HandleListPermissions)
		require.Equal(t, http.StatusOK, w.Code)
		var perms []models.Permission
		decodeData(t, w, &perms)
		out := make([]string, 0, len(perms))
		for _, p := range perms {
			out = append(out, p.Code)
		}
		return out
	}

	t.Run("resource", func(t *testing.T) {
		assert.ElementsMatch(t,
			[]string{"user:create", "user:read", "user:update", "user:delete", "user:manage"},
			codes(t, "/permissions?resource=user"))
	})

	t.Run("action", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"user:read", "role:read", "dashboard:read"}, codes(t, "/permissions?action=read"))
	})

	t.Run("resource and action", func(t *testing.T) {
		assert.Equal(t, []string{"role:delete"}, codes(t, "/permissions?resource=role&action=delete"))
	})

	t.Run("search is case insensitive", func(t *testing.T) {
		assert.ElementsMatch(t,
			[]string{"role:create", "role:read", "role:update", "role:delete", "user:manage"},
			codes(t, "/permissions?search=ROLE"))
	})

	t.Run("no match is an empty list", func(t *testing.T) {
		w := serve(http.MethodGet, "/permissions", "/permissions?resource=invoice", nil, nil, h.HandleListPermissions)
		require.Equal(t, http.StatusOK, w.Code)
		var perms []models.Permission
		decodeData(t, w, &perms)
		assert.NotNil(t, perms)
		assert.Empty(t, perms)
	})

	t.Run("unknown action", func(t *testing.T) {
		w := serve(http.MethodGet, "/permissions", "/permissions?action=approve", nil, nil, h.HandleListPermissions)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w).Details, "action")
	})
}

func TestHandleGetPermission(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())
	pattern := "/permissions/{id}"

	t.Run("found", func(t *testing.T) {
		w := serve(http.MethodGet, pattern, "/permissions/"+catalog.PermissionID("role:read").String(), nil, nil, h.HandleGetPermission)
		require.Equal(t, http.StatusOK, w.Code)

		var perm models.Permission
		decodeData(t, w, &perm)
		assert.Equal(t, "role:read", perm.Code)
		assert.Equal(t, "Role Management", perm.Category)
	})

	t.Run("unknown", func(t *testing.T) {
		w := serve(http.MethodGet, pattern, "/permissions/"+uuid.NewString(), nil, nil, h.HandleGetPermission)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", decodeError(t, w).Error)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := serve(http.MethodGet, pattern, "/permissions/42", nil, nil, h.HandleGetPermission)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlePermissionResourcesAndActions(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())

	w := serve(http.MethodGet, "/permissions/resources", "/permissions/resources", nil, nil, h.HandlePermissionResources)
	require.Equal(t, http.StatusOK, w.Code)
	var resources []string
	decodeData(t, w, &resources)
	assert.Equal(t, []string{"*", "dashboard", "permission", "profile", "role", "settings", "system", "user"}, resources)

	w = serve(http.MethodGet, "/permissions/actions", "/permissions/actions", nil, nil, h.HandlePermissionActions)
	require.Equal(t, http.StatusOK, w.Code)
	var actions []string
	decodeData(t, w, &actions)
	assert.Equal(t, []string{"create", "delete", "manage", "read", "update"}, actions)
}

func TestHandleUpdatePermission(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())
	admin := env.principal(t, env.addUser(t, "ada", "admin").ID)
	pattern := "/permissions/{id}"

	w := serve(http.MethodPost, "/permissions", "/permissions",
		map[string]interface{}{"code": "report:read", "name": "View reports"}, admin, h.HandleCreatePermission)
	require.Equal(t, http.StatusCreated, w.Code)
	var custom models.Permission
	decodeData(t, w, &custom)
	customPath := "/permissions/" + custom.ID.String()

	t.Run("display fields", func(t *testing.T) {
		body := map[string]interface{}{"name": "Read reports", "category": "Reports", "description": "Monthly reports"}
		w := serve(http.MethodPut, pattern, customPath, body, admin, h.HandleUpdatePermission)
		require.Equal(t, http.StatusOK, w.Code)

		var updated models.Permission
		decodeData(t, w, &updated)
		assert.Equal(t, "report:read", updated.Code)
		assert.Equal(t, "Read reports", updated.Name)
		assert.Equal(t, "Reports", updated.Category)

		found, ok := env.registry.FindByID(custom.ID)
		require.True(t, ok)
		assert.Equal(t, "Monthly reports", found.Description)
	})

	t.Run("code is not writable", func(t *testing.T) {
		w := serve(http.MethodPut, pattern, customPath, `{"code":"report:delete"}`, admin, h.HandleUpdatePermission)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("system permission", func(t *testing.T) {
		w := serve(http.MethodPut, pattern, "/permissions/"+catalog.PermissionID("user:read").String(),
			map[string]interface{}{"name": "Browse users"}, admin, h.HandleUpdatePermission)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "immutable_field", decodeError(t, w).Error)
	})

	t.Run("unknown", func(t *testing.T) {
		w := serve(http.MethodPut, pattern, "/permissions/"+uuid.NewString(), map[string]interface{}{"name": "x"}, admin, h.HandleUpdatePermission)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandlePermissionTree(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())

	w := serve(http.MethodGet, "/permissions/tree", "/permissions/tree", nil, nil, h.HandlePermissionTree)
	require.Equal(t, http.StatusOK, w.Code)

	var tree []models.PermissionCategory
	decodeData(t, w, &tree)

	sizes := make(map[string]int)
	total := 0
	for _, node := range tree {
		sizes[node.Category] = len(node.Permissions)
		total += len(node.Permissions)
	}
	assert.Equal(t, 15, total)
	assert.Equal(t, 4, sizes["Role Management"])
	assert.Equal(t, 3, sizes["System Management"])
}

func TestHandleCreatePermission(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())
	admin := env.principal(t, env.addUser(t, "ada", "admin").ID)

	t.Run("created", func(t *testing.T) {
		body := map[string]interface{}{"code": "report:read", "name": "View reports", "category": "Reports"}
		w := serve(http.MethodPost, "/permissions", "/permissions", body, admin, h.HandleCreatePermission)
		require.Equal(t, http.StatusCreated, w.Code)

		var perm models.Permission
		decodeData(t, w, &perm)
		assert.Equal(t, "report:read", perm.Code)
		assert.Equal(t, "report", perm.Resource)
		assert.False(t, perm.IsSystem)

		found, ok := env.registry.FindByCode("report:read")
		assert.True(t, ok)
		assert.Equal(t, perm.ID, found.ID)
	})

	t.Run("duplicate", func(t *testing.T) {
		body := map[string]interface{}{"code": "user:read", "name": "Again"}
		w := serve(http.MethodPost, "/permissions", "/permissions", body, admin, h.HandleCreatePermission)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "duplicate_code", decodeError(t, w).Error)
	})

	t.Run("malformed code", func(t *testing.T) {
		body := map[string]interface{}{"code": "export reports", "name": "Export"}
		w := serve(http.MethodPost, "/permissions", "/permissions", body, admin, h.HandleCreatePermission)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w).Details, "code")
	})

	t.Run("missing name", func(t *testing.T) {
		body := map[string]interface{}{"code": "report:create"}
		w := serve(http.MethodPost, "/permissions", "/permissions", body, admin, h.HandleCreatePermission)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w).Details, "name")
	})
}

func TestHandleDeletePermission(t *testing.T) {
	env := newTestEnv(t)
	h := NewPermissionHandler(env.registry, zap.NewNop())
	roles := newRoleHandler(env)
	admin := env.principal(t, env.addUser(t, "ada", "admin").ID)
	pattern := "/permissions/{id}"

	w := serve(http.MethodPost, "/permissions", "/permissions",
		map[string]interface{}{"code": "report:read", "name": "View reports"}, admin, h.HandleCreatePermission)
	require.Equal(t, http.StatusCreated, w.Code)
	var custom models.Permission
	decodeData(t, w, &custom)
	customPath := "/permissions/" + custom.ID.String()

	t.Run("system permission", func(t *testing.T) {
		w := serve(http.MethodDelete, pattern, "/permissions/"+catalog.PermissionID("user:read").String(), nil, admin, h.HandleDeletePermission)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "immutable_field", decodeError(t, w).Error)
	})

	t.Run("referenced by a role", func(t *testing.T) {
		w := serve(http.MethodPost, "/roles/{id}/permissions", "/roles/"+catalog.RoleID("guest").String()+"/permissions",
			map[string]interface{}{"permissionIds": []uuid.UUID{catalog.PermissionID("dashboard:read"), custom.ID}},
			admin, roles.HandleAssignPermissions)
		require.Equal(t, http.StatusOK, w.Code)

		w = serve(http.MethodDelete, pattern, customPath, nil, admin, h.HandleDeletePermission)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "permission_in_use", decodeError(t, w).Error)

		w = serve(http.MethodPost, "/roles/{id}/permissions", "/roles/"+catalog.RoleID("guest").String()+"/permissions",
			map[string]interface{}{"permissionIds": []uuid.UUID{catalog.PermissionID("dashboard:read")}},
			admin, roles.HandleAssignPermissions)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("deleted", func(t *testing.T) {
		w := serve(http.MethodDelete, pattern, customPath, nil, admin, h.HandleDeletePermission)
		assert.Equal(t, http.StatusNoContent, w.Code)

		_, ok := env.registry.FindByCode("report:read")
		assert.False(t, ok)
	})

	t.Run("unknown", func(t *testing.T) {
		w := serve(http.MethodDelete, pattern, "/permissions/"+uuid.NewString(), nil, admin, h.HandleDeletePermission)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
