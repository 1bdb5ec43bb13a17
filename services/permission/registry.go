package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/internal/catalog"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
	"github.com/upb/backoffice-authz/services"
	"github.com/upb/backoffice-authz/services/audit"
	"github.com/upb/backoffice-authz/services/cache"
	"go.uber.org/zap"
)

// snapshot is an immutable view of the catalog. It is replaced wholesale.
type snapshot struct {
	list   []models.Permission
	byCode map[string]models.Permission
	byID   map[uuid.UUID]models.Permission
}

func newSnapshot(list []models.Permission) *snapshot {
	s := &snapshot{
		list:   list,
		byCode: make(map[string]models.Permission, len(list)),
		byID:   make(map[uuid.UUID]models.Permission, len(list)),
	}
	for _, p := range list {
		s.byCode[p.Code] = p
		s.byID[p.ID] = p
	}
	return s
}

// CreateInput describes a custom permission
type CreateInput struct {
	Code        string
	Name        string
	Category    string
	Description string
}

// UpdateInput carries the display fields of a permission update; nil means
// unchanged. Code, resource and action never change.
type UpdateInput struct {
	Name        *string
	Category    *string
	Description *string
}

// Registry serves the permission catalog from memory. Reads never touch the
// database; writes go through the repository and republish the snapshot.
type Registry struct {
	repo     repositories.PermissionRepository
	txMgr    repositories.TransactionManager
	recorder audit.Recorder
	cache    *cache.QueryCache
	logger   *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry; call Load before serving
func NewRegistry(
	repo repositories.PermissionRepository,
	txMgr repositories.TransactionManager,
	recorder audit.Recorder,
	queryCache *cache.QueryCache,
	logger *zap.Logger,
) *Registry {
	r := &Registry{
		repo:     repo,
		txMgr:    txMgr,
		recorder: recorder,
		cache:    queryCache,
		logger:   logger,
	}
	r.current.Store(newSnapshot(nil))
	return r
}

// Load upserts the catalog's system permissions and reads the full set,
// custom permissions included
func (r *Registry) Load(ctx context.Context, cat *catalog.Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cat != nil {
		seeded := cat.PermissionModels()
		for i := range seeded {
			if err := r.repo.Upsert(ctx, &seeded[i]); err != nil {
				return services.WrapInternal("failed to seed permission "+seeded[i].Code, err)
			}
		}
		r.logger.Info("permission catalog seeded", zap.Int("count", len(seeded)))
	}

	return r.reload(ctx)
}

// reload must be called with mu held
func (r *Registry) reload(ctx context.Context) error {
	list, err := r.repo.List(ctx)
	if err != nil {
		return services.WrapInternal("failed to load permissions", err)
	}
	r.current.Store(newSnapshot(list))
	return nil
}

// ListPermissions returns the permissions passing filter, ordered by
// category, then name
func (r *Registry) ListPermissions(filter models.PermissionFilter) []models.Permission {
	list := r.current.Load().list
	out := make([]models.Permission, 0, len(list))
	for _, p := range list {
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	return out
}

// Resources returns the distinct resources of the catalog, sorted
func (r *Registry) Resources() []string {
	return r.distinct(func(p models.Permission) string { return p.Resource })
}

// Actions returns the distinct actions used by the catalog, sorted
func (r *Registry) Actions() []string {
	return r.distinct(func(p models.Permission) string { return string(p.Action) })
}

func (r *Registry) distinct(field func(models.Permission) string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, p := range r.current.Load().list {
		v := field(p)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// FindByCode looks up a permission by its code. Unknown codes report false.
func (r *Registry) FindByCode(code string) (models.Permission, bool) {
	p, ok := r.current.Load().byCode[strings.TrimSpace(code)]
	return p, ok
}

// FindByID looks up a permission by id
func (r *Registry) FindByID(id uuid.UUID) (models.Permission, bool) {
	p, ok := r.current.Load().byID[id]
	return p, ok
}

// Resolve maps ids to permissions, dropping duplicates and keeping the
// first-seen order. Any unknown id fails the whole call.
func (r *Registry) Resolve(ids []uuid.UUID) ([]models.Permission, error) {
	snap := r.current.Load()
	out := make([]models.Permission, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		p, ok := snap.byID[id]
		if !ok {
			return nil, services.PermissionNotFound(id)
		}
		seen[id] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Tree groups the catalog by category
func (r *Registry) Tree() []models.PermissionCategory {
	var tree []models.PermissionCategory
	index := make(map[string]int)
	for _, p := range r.current.Load().list {
		i, ok := index[p.Category]
		if !ok {
			i = len(tree)
			index[p.Category] = i
			tree = append(tree, models.PermissionCategory{Category: p.Category})
		}
		tree[i].Permissions = append(tree[i].Permissions, p)
	}
	return tree
}

// CategoryCounts returns the number of permissions per category
func (r *Registry) CategoryCounts() map[string]int {
	counts := make(map[string]int)
	for _, p := range r.current.Load().list {
		counts[p.Category]++
	}
	return counts
}

// Count returns the size of the catalog
func (r *Registry) Count() int {
	return len(r.current.Load().list)
}

// CreateCustom adds an administrator-defined permission
func (r *Registry) CreateCustom(ctx context.Context, operator models.Operator, input CreateInput) (*models.Permission, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, services.Validation("name", "name is required")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = "Custom"
	}

	perm, err := models.NewPermission(input.Code, name, category, strings.TrimSpace(input.Description))
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, err.Error(), nil).WithDetail("field", "code")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.current.Load().byCode[perm.Code]; exists {
		return nil, services.DuplicateCode(perm.Code, nil)
	}
	if err := r.repo.Create(ctx, perm); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.DuplicateCode(perm.Code, err)
		}
		return nil, services.WrapInternal("failed to create permission", err)
	}

	r.logger.Info("custom permission created",
		zap.String("id", perm.ID.String()),
		zap.String("code", perm.Code),
		zap.String("operator", operator.Name),
	)
	r.recorder.Record(models.NewAuditLog(models.AuditActionCreate, models.AuditTargetPermission, perm.ID, perm.Code).
		WithOperator(operator).
		WithDetails("created permission %s (%s) in %s", perm.Code, perm.Name, perm.Category))

	r.afterWrite(ctx)
	return perm, nil
}

// UpdateCustom changes the display fields of a custom permission. Roles
// holding it are dropped from the query cache since they embed it.
func (r *Registry) UpdateCustom(ctx context.Context, operator models.Operator, id uuid.UUID, input UpdateInput) (*models.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	perm, ok := r.current.Load().byID[id]
	if !ok {
		return nil, services.PermissionNotFound(id)
	}
	if perm.IsSystem {
		return nil, services.NewDomainError(services.ErrorTypeImmutableField, "system permissions cannot be changed", nil).
			WithDetail("permission_id", id.String())
	}

	var changed []string
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, services.Validation("name", "name cannot be empty")
		}
		if name != perm.Name {
			perm.Name = name
			changed = append(changed, "name")
		}
	}
	if input.Category != nil {
		category := strings.TrimSpace(*input.Category)
		if category == "" {
			category = "Custom"
		}
		if category != perm.Category {
			perm.Category = category
			changed = append(changed, "category")
		}
	}
	if input.Description != nil {
		desc := strings.TrimSpace(*input.Description)
		if desc != perm.Description {
			perm.Description = desc
			changed = append(changed, "description")
		}
	}
	if len(changed) == 0 {
		return &perm, nil
	}

	var roleIDs []uuid.UUID
	err := services.WithTransaction(ctx, r.txMgr, func(ctx context.Context) error {
		if err := r.repo.Update(ctx, &perm); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.PermissionNotFound(id)
			}
			return services.WrapInternal("failed to update permission", err)
		}
		var err error
		roleIDs, err = r.repo.ListReferencingRoles(ctx, id)
		if err != nil {
			return services.WrapInternal("failed to list roles holding permission", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("custom permission updated",
		zap.String("id", id.String()),
		zap.Strings("fields", changed),
		zap.Int("roles", len(roleIDs)),
		zap.String("operator", operator.Name),
	)
	r.recorder.Record(models.NewAuditLog(models.AuditActionUpdate, models.AuditTargetPermission, id, perm.Code).
		WithOperator(operator).
		WithDetails("updated permission %s: %s", perm.Code, strings.Join(changed, ", ")))

	r.afterWrite(ctx)
	if r.cache != nil {
		keys := []string{cache.KeyRoles}
		for _, roleID := range roleIDs {
			keys = append(keys, cache.RoleKey(roleID.String()))
		}
		r.cache.Invalidate(context.WithoutCancel(ctx), keys...)
	}
	return &perm, nil
}

// DeleteCustom removes a custom permission that no role references
func (r *Registry) DeleteCustom(ctx context.Context, operator models.Operator, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	perm, ok := r.current.Load().byID[id]
	if !ok {
		return services.PermissionNotFound(id)
	}
	if perm.IsSystem {
		return services.NewDomainError(services.ErrorTypeImmutableField, "system permissions cannot be deleted", nil).
			WithDetail("permission_id", id.String())
	}

	err := services.WithTransaction(ctx, r.txMgr, func(ctx context.Context) error {
		refs, err := r.repo.CountRoleReferences(ctx, id)
		if err != nil {
			return services.WrapInternal("failed to count permission references", err)
		}
		if refs > 0 {
			return services.NewDomainError(services.ErrorTypePermissionInUse,
				fmt.Sprintf("permission is held by %d role(s)", refs), nil).
				WithDetail("permission_id", id.String()).
				WithDetail("role_count", refs)
		}
		if err := r.repo.Delete(ctx, id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.PermissionNotFound(id)
			}
			return services.WrapInternal("failed to delete permission", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("custom permission deleted",
		zap.String("id", id.String()),
		zap.String("code", perm.Code),
		zap.String("operator", operator.Name),
	)
	r.recorder.Record(models.NewAuditLog(models.AuditActionDelete, models.AuditTargetPermission, id, perm.Code).
		WithOperator(operator).
		WithDetails("deleted permission %s", perm.Code))

	r.afterWrite(ctx)
	return nil
}

// afterWrite republishes the snapshot and drops the aggregate caches.
// It must be called with mu held.
func (r *Registry) afterWrite(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := r.reload(ctx); err != nil {
		r.logger.Error("failed to refresh permission catalog", zap.Error(err))
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx, cache.KeyStats)
	}
}
