package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/upb/backoffice-authz/internal/catalog"
	"github.com/upb/backoffice-authz/middleware"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"github.com/upb/backoffice-authz/repositories/memory"
	"github.com/upb/backoffice-authz/services/access"
	"github.com/upb/backoffice-authz/services/assignment"
	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/services/cache"
	"github.com/upb/backoffice-authz/services/permission"
	"github.com/upb/backoffice-authz/services/role"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// syncRecorder writes audit entries straight to the repository
type syncRecorder struct {
	repo repositories.AuditRepository
}

func (r syncRecorder) Record(log *models.AuditLog) {
	_ = r.repo.Insert(context.Background(), log)
}

type testEnv struct {
	store       *memory.Store
	registry    *permission.Registry
	roles       *role.Service
	assignments *assignment.Service
	audit       *audit.AuditService
	sessions    *access.Sessions
	decider     *access.Decider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	store := memory.NewStore()
	repos := store.Repositories()
	txMgr := store.TransactionManager()
	rec := syncRecorder{repo: repos.AuditLogs}
	qc := cache.NewQueryCache(cache.NewLocalStore(64, time.Minute), logger)

	cat, err := catalog.Default()
	require.NoError(t, err)

	registry := permission.NewRegistry(repos.Permissions, txMgr, rec, qc, logger)
	require.NoError(t, registry.Load(ctx, cat))

	sessions := access.NewSessions(access.NewStoreLoader(repos.Users, repos.Grants), 64, time.Minute, logger)
	roles := role.NewService(repos, txMgr, registry, rec, qc, sessions, logger)
	require.NoError(t, roles.SeedSystemRoles(ctx, cat))

	return &testEnv{
		store:       store,
		registry:    registry,
		roles:       roles,
		assignments: assignment.NewService(repos, txMgr, rec, qc, sessions, assignment.Config{MaxRolesPerUser: 10}, logger),
		audit:       audit.NewAuditService(repos.AuditLogs, logger, audit.Config{Enabled: true}),
		sessions:    sessions,
		decider:     access.NewDecider("admin", nil),
	}
}

// addUser creates an active, verified user holding the given role codes
func (e *testEnv) addUser(t *testing.T, name string, roleCodes ...string) *models.User {
	t.Helper()
	user := models.NewUser(name, name+"@example.com")
	user.IsVerified = true
	e.store.PutUser(*user)

	if len(roleCodes) > 0 {
		ids := make([]uuid.UUID, 0, len(roleCodes))
		for _, code := range roleCodes {
			ids = append(ids, catalog.RoleID(code))
		}
		_, err := e.assignments.AssignRoles(context.Background(), models.SystemOperator, user.ID, ids, nil)
		require.NoError(t, err)
	}
	return user
}

// principal loads the current principal of a user
func (e *testEnv) principal(t *testing.T, userID uuid.UUID) *models.Principal {
	t.Helper()
	p, err := e.sessions.Get(context.Background(), userID)
	require.NoError(t, err)
	return p
}

// serve routes a single request through a chi router so URL params resolve.
// body may be nil, a raw string or a value to marshal.
func serve(method, pattern, target string, body interface{}, principal *models.Principal, h http.HandlerFunc) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req = req.WithContext(middleware.WithIdentity(req.Context(), access.Identity{Principal: principal}))

	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// decodeData decodes the data member of a success envelope
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}
