package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/models"
	"github.com/upb/backoffice-authz/repositories"
)

// PermissionRepository implements repositories.PermissionRepository
type PermissionRepository struct {
	store *Store
}

func findPermissionByCode(d *state, code string) (models.Permission, bool) {
	for _, p := range d.permissions {
		if p.Code == code {
			return p, true
		}
	}
	return models.Permission{}, false
}

// Upsert inserts a permission or refreshes the display fields of the one
// holding its code
func (r *PermissionRepository) Upsert(ctx context.Context, p *models.Permission) error {
	return r.store.write(ctx, func(d *state) error {
		if existing, ok := findPermissionByCode(d, p.Code); ok {
			existing.Name = p.Name
			existing.Category = p.Category
			existing.Description = p.Description
			existing.IsSystem = p.IsSystem
			d.permissions[existing.ID] = existing
			return nil
		}
		row := *p
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now()
		}
		d.permissions[row.ID] = row
		return nil
	})
}

// Create inserts a custom permission
func (r *PermissionRepository) Create(ctx context.Context, p *models.Permission) error {
	return r.store.write(ctx, func(d *state) error {
		if _, ok := findPermissionByCode(d, p.Code); ok {
			return fmt.Errorf("permission %s: %w", p.Code, repositories.ErrDuplicate)
		}
		if _, ok := d.permissions[p.ID]; ok {
			return fmt.Errorf("permission %s: %w", p.ID, repositories.ErrDuplicate)
		}
		d.permissions[p.ID] = *p
		return nil
	})
}

// List returns every permission ordered by category, then name
func (r *PermissionRepository) List(ctx context.Context) ([]models.Permission, error) {
	var out []models.Permission
	err := r.store.read(ctx, func(d *state) error {
		out = make([]models.Permission, 0, len(d.permissions))
		for _, p := range d.permissions {
			out = append(out, p)
		}
		return nil
	})
	sortPermissions(out)
	return out, err
}

// Update persists the display fields of a permission
func (r *PermissionRepository) Update(ctx context.Context, p *models.Permission) error {
	return r.store.write(ctx, func(d *state) error {
		existing, ok := d.permissions[p.ID]
		if !ok {
			return fmt.Errorf("permission %s: %w", p.ID, repositories.ErrNotFound)
		}
		existing.Name = p.Name
		existing.Category = p.Category
		existing.Description = p.Description
		d.permissions[p.ID] = existing
		return nil
	})
}

// Delete removes a permission
func (r *PermissionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.store.write(ctx, func(d *state) error {
		if _, ok := d.permissions[id]; !ok {
			return fmt.Errorf("permission %s: %w", id, repositories.ErrNotFound)
		}
		for _, rec := range d.roles {
			if containsID(rec.permIDs, id) {
				return fmt.Errorf("permission %s is referenced by role %s", id, rec.role.Code)
			}
		}
		delete(d.permissions, id)
		return nil
	})
}

// CountRoleReferences counts the roles holding the permission
func (r *PermissionRepository) CountRoleReferences(ctx context.Context, id uuid.UUID) (int, error) {
	count := 0
	err := r.store.read(ctx, func(d *state) error {
		for _, rec := range d.roles {
			if containsID(rec.permIDs, id) {
				count++
			}
		}
		return nil
	})
	return count, err
}

// ListReferencingRoles returns the ids of the roles holding the permission
func (r *PermissionRepository) ListReferencingRoles(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.store.read(ctx, func(d *state) error {
		for roleID, rec := range d.roles {
			if containsID(rec.permIDs, id) {
				ids = append(ids, roleID)
			}
		}
		return nil
	})
	return ids, err
}

// RoleRepository implements repositories.RoleRepository
type RoleRepository struct {
	store *Store
}

func codeTaken(d *state, code string, except uuid.UUID) bool {
	for id, rec := range d.roles {
		if id != except && rec.role.Code == code {
			return true
		}
	}
	return false
}

func checkPermissionIDs(d *state, ids []uuid.UUID) error {
	for _, id := range ids {
		if _, ok := d.permissions[id]; !ok {
			return fmt.Errorf("permission %s does not exist", id)
		}
	}
	return nil
}

// Create inserts a role and its permission set
func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	return r.store.write(ctx, func(d *state) error {
		if _, ok := d.roles[role.ID]; ok || codeTaken(d, role.Code, uuid.Nil) {
			return fmt.Errorf("create role %s: %w", role.Code, repositories.ErrDuplicate)
		}
		ids := role.PermissionIDs()
		if err := checkPermissionIDs(d, ids); err != nil {
			return err
		}
		row := *role
		row.Permissions = nil
		d.roles[role.ID] = &roleRecord{role: row, permIDs: dedupeIDs(ids)}
		return nil
	})
}

// SeedSystemRole inserts a built-in role unless its code exists
func (r *RoleRepository) SeedSystemRole(ctx context.Context, role *models.Role) (bool, error) {
	inserted := false
	err := r.store.write(ctx, func(d *state) error {
		if codeTaken(d, role.Code, uuid.Nil) {
			return nil
		}
		ids := role.PermissionIDs()
		if err := checkPermissionIDs(d, ids); err != nil {
			return err
		}
		row := *role
		row.Permissions = nil
		d.roles[role.ID] = &roleRecord{role: row, permIDs: dedupeIDs(ids)}
		inserted = true
		return nil
	})
	return inserted, err
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	var role *models.Role
	err := r.store.read(ctx, func(d *state) error {
		rec, ok := d.roles[id]
		if !ok {
			return fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
		}
		role = materialize(d, rec)
		return nil
	})
	return role, err
}

// GetByIDForUpdate retrieves a role. Row locking comes from the store-wide
// transaction lock.
func (r *RoleRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	return r.GetByID(ctx, id)
}

// List retrieves roles ordered by level descending, then name
func (r *RoleRepository) List(ctx context.Context, filter models.RoleFilter) ([]*models.Role, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var roles []*models.Role
	err := r.store.read(ctx, func(d *state) error {
		for _, rec := range d.roles {
			if search != "" &&
				!strings.Contains(strings.ToLower(rec.role.Name), search) &&
				!strings.Contains(strings.ToLower(rec.role.Code), search) {
				continue
			}
			if filter.IsActive != nil && rec.role.IsActive != *filter.IsActive {
				continue
			}
			roles = append(roles, materialize(d, rec))
		}
		return nil
	})
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Level != roles[j].Level {
			return roles[i].Level > roles[j].Level
		}
		return roles[i].Name < roles[j].Name
	})
	return roles, err
}

// Update persists the scalar fields of a role
func (r *RoleRepository) Update(ctx context.Context, role *models.Role) error {
	return r.store.write(ctx, func(d *state) error {
		rec, ok := d.roles[role.ID]
		if !ok {
			return fmt.Errorf("role %s: %w", role.ID, repositories.ErrNotFound)
		}
		if codeTaken(d, role.Code, role.ID) {
			return fmt.Errorf("update role %s: %w", role.Code, repositories.ErrDuplicate)
		}
		row := rec.role
		row.Name = role.Name
		row.Code = role.Code
		row.Description = role.Description
		row.Level = role.Level
		row.IsSystem = role.IsSystem
		row.IsActive = role.IsActive
		row.UpdatedAt = role.UpdatedAt
		rec.role = row
		return nil
	})
}

// Delete deletes a role and its grant history
func (r *RoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.store.write(ctx, func(d *state) error {
		if _, ok := d.roles[id]; !ok {
			return fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
		}
		delete(d.roles, id)
		kept := d.grants[:0]
		for _, g := range d.grants {
			if g.RoleID != id {
				kept = append(kept, g)
			}
		}
		d.grants = kept
		return nil
	})
}

// ReplacePermissions swaps the role's permission set wholesale
func (r *RoleRepository) ReplacePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	return r.store.write(ctx, func(d *state) error {
		rec, ok := d.roles[roleID]
		if !ok {
			return fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
		}
		if err := checkPermissionIDs(d, permissionIDs); err != nil {
			return err
		}
		rec.permIDs = dedupeIDs(permissionIDs)
		rec.role.UpdatedAt = time.Now()
		return nil
	})
}

// RecountUsers sets user_count from the live grants of the role
func (r *RoleRepository) RecountUsers(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	count := 0
	err := r.store.write(ctx, func(d *state) error {
		rec, ok := d.roles[roleID]
		if !ok {
			return fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
		}
		var holders []uuid.UUID
		for _, g := range d.grants {
			if g.RoleID == roleID && g.IsLive(now) && !containsID(holders, g.UserID) {
				holders = append(holders, g.UserID)
			}
		}
		rec.role.UserCount = len(holders)
		count = rec.role.UserCount
		return nil
	})
	return count, err
}

// GrantRepository implements repositories.GrantRepository
type GrantRepository struct {
	store *Store
}

// FindLive returns the most recent live grant for the pair, or nil
func (r *GrantRepository) FindLive(ctx context.Context, userID, roleID uuid.UUID, now time.Time) (*models.Grant, error) {
	var found *models.Grant
	err := r.store.read(ctx, func(d *state) error {
		for i := len(d.grants) - 1; i >= 0; i-- {
			g := d.grants[i]
			if g.UserID == userID && g.RoleID == roleID && g.IsLive(now) {
				found = &g
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Create inserts a grant
func (r *GrantRepository) Create(ctx context.Context, grant *models.Grant) error {
	return r.store.write(ctx, func(d *state) error {
		if !r.store.hasUser(grant.UserID) {
			return fmt.Errorf("user %s does not exist", grant.UserID)
		}
		if _, ok := d.roles[grant.RoleID]; !ok {
			return fmt.Errorf("role %s does not exist", grant.RoleID)
		}
		d.grants = append(d.grants, *grant)
		return nil
	})
}

// Revoke stamps revoked_at on an unrevoked grant
func (r *GrantRepository) Revoke(ctx context.Context, grantID uuid.UUID, at time.Time) error {
	return r.store.write(ctx, func(d *state) error {
		for i := range d.grants {
			if d.grants[i].ID == grantID && d.grants[i].RevokedAt == nil {
				revokedAt := at
				d.grants[i].RevokedAt = &revokedAt
				return nil
			}
		}
		return fmt.Errorf("grant %s: %w", grantID, repositories.ErrNotFound)
	})
}

// CountLive counts the user's live grants
func (r *GrantRepository) CountLive(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	count := 0
	err := r.store.read(ctx, func(d *state) error {
		for _, g := range d.grants {
			if g.UserID == userID && g.IsLive(now) {
				count++
			}
		}
		return nil
	})
	return count, err
}

// ListByUser returns all of the user's grants newest first
func (r *GrantRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.UserGrant, error) {
	now := time.Now()
	var grants []*models.UserGrant
	err := r.store.read(ctx, func(d *state) error {
		for i := len(d.grants) - 1; i >= 0; i-- {
			g := d.grants[i]
			if g.UserID != userID {
				continue
			}
			rec := d.roles[g.RoleID]
			grants = append(grants, &models.UserGrant{
				Grant:    g,
				RoleName: rec.role.Name,
				RoleCode: rec.role.Code,
				State:    g.State(now),
			})
		}
		return nil
	})
	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].AssignedAt.After(grants[j].AssignedAt)
	})
	return grants, err
}

// ListUserIDsByRole returns the users holding a live grant of the role
func (r *GrantRepository) ListUserIDsByRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.store.read(ctx, func(d *state) error {
		for _, g := range d.grants {
			if g.RoleID == roleID && g.IsLive(now) && !containsID(ids, g.UserID) {
				ids = append(ids, g.UserID)
			}
		}
		return nil
	})
	return ids, err
}

// PrincipalRoles returns the user's live roles with their permissions,
// ordered by level descending, then name
func (r *GrantRepository) PrincipalRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.PrincipalRole, error) {
	var out []models.PrincipalRole
	err := r.store.read(ctx, func(d *state) error {
		for _, g := range d.grants {
			if g.UserID != userID || !g.IsLive(now) {
				continue
			}
			out = append(out, models.PrincipalRole{
				Role:       *materialize(d, d.roles[g.RoleID]),
				AssignedAt: g.AssignedAt,
				AssignedBy: g.AssignedBy,
				ExpiresAt:  g.ExpiresAt,
			})
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Role.Level != out[j].Role.Level {
			return out[i].Role.Level > out[j].Role.Level
		}
		return out[i].Role.Name < out[j].Role.Name
	})
	return out, err
}

// UserRepository implements repositories.UserRepository
type UserRepository struct {
	store *Store
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	var user *models.User
	err := r.store.readJournal(func(j *journal) error {
		u, ok := j.users[id]
		if !ok {
			return fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
		}
		user = &u
		return nil
	})
	return user, err
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	var user *models.User
	err := r.store.readJournal(func(j *journal) error {
		for _, u := range j.users {
			if strings.EqualFold(u.Email, email) {
				found := u
				user = &found
				return nil
			}
		}
		return fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
	})
	return user, err
}

// AuditRepository implements repositories.AuditRepository
type AuditRepository struct {
	store *Store
}

// Insert appends an entry
func (r *AuditRepository) Insert(_ context.Context, log *models.AuditLog) error {
	return r.store.writeJournal(func(j *journal) error {
		j.audit = append(j.audit, *log)
		return nil
	})
}

// List retrieves entries newest first
func (r *AuditRepository) List(_ context.Context, limit, offset int) ([]*models.AuditLog, error) {
	return r.page(func(*models.AuditLog) bool { return true }, limit, offset)
}

// Count returns the number of entries
func (r *AuditRepository) Count(_ context.Context) (int, error) {
	count := 0
	err := r.store.readJournal(func(j *journal) error {
		count = len(j.audit)
		return nil
	})
	return count, err
}

// ListByTarget retrieves entries for one target newest first
func (r *AuditRepository) ListByTarget(_ context.Context, targetType models.AuditTargetType, targetID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	return r.page(func(l *models.AuditLog) bool {
		return l.TargetType == targetType && l.TargetID == targetID
	}, limit, offset)
}

func (r *AuditRepository) page(match func(*models.AuditLog) bool, limit, offset int) ([]*models.AuditLog, error) {
	var matched []*models.AuditLog
	err := r.store.readJournal(func(j *journal) error {
		for i := range j.audit {
			entry := j.audit[i]
			if match(&entry) {
				matched = append(matched, &entry)
			}
		}
		return nil
	})
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	out := make([]*models.AuditLog, 0)
	for i := offset; i < len(matched) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, matched[i])
	}
	return out, err
}

func materialize(d *state, rec *roleRecord) *models.Role {
	role := rec.role
	role.Permissions = make([]models.Permission, 0, len(rec.permIDs))
	for _, id := range rec.permIDs {
		if p, ok := d.permissions[id]; ok {
			role.Permissions = append(role.Permissions, p)
		}
	}
	sortPermissions(role.Permissions)
	return &role
}

func sortPermissions(perms []models.Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Category != perms[j].Category {
			return perms[i].Category < perms[j].Category
		}
		return perms[i].Name < perms[j].Name
	})
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !containsID(out, id) {
			out = append(out, id)
		}
	}
	return out
}
