package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/contextkeys"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

const roleColumns = `id, name, description, priority, is_system, is_default, created_at, updated_at`

// CreateRole creates a role with its permission set. IsDefault routes
// through the same swap as SetDefaultRole.
func (s *Store) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	role := &Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: in.Description,
		Priority:    in.Priority,
		IsSystem:    in.isSystem,
		IsDefault:   in.IsDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		permissionIDs, err := resolvePermissionIDs(ctx, tx, in.Permissions)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO roles (id, name, description, priority, is_system, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			role.ID, role.Name, role.Description, role.Priority, role.IsSystem, false, now, now,
		)
		if err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrRoleExists
			}
			return fmt.Errorf("failed to create role: %w", err)
		}

		if err := linkPermissions(ctx, tx, role.ID, permissionIDs); err != nil {
			return err
		}

		if in.IsDefault {
			return storage.SetSingletonFlag(ctx, tx, "roles", "is_default", role.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	role.Permissions = normalizePermissionNames(in.Permissions)
	s.record(ctx, audit.ActionRoleCreate, audit.On("role", role.ID, map[string]interface{}{
		"name":        role.Name,
		"permissions": role.Permissions,
		"is_default":  role.IsDefault,
	}))
	return role, nil
}

// UpdateRole applies a partial update. System roles keep their name.
func (s *Store) UpdateRole(ctx context.Context, id string, in UpdateRoleInput) (*Role, error) {
	current, err := s.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{s.now().UTC()}
	changed := []string{}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name cannot be empty", ErrInvalidInput)
		}
		if current.IsSystem && name != current.Name {
			return nil, ErrSystemRoleRename
		}
		sets, args = append(sets, "name = ?"), append(args, name)
		changed = append(changed, "name")
	}
	if in.Description != nil {
		sets, args = append(sets, "description = ?"), append(args, *in.Description)
		changed = append(changed, "description")
	}
	if in.Priority != nil {
		sets, args = append(sets, "priority = ?"), append(args, *in.Priority)
		changed = append(changed, "priority")
	}
	if in.IsDefault != nil && !*in.IsDefault {
		sets, args = append(sets, "is_default = ?"), append(args, false)
		changed = append(changed, "is_default")
	}

	err = s.db.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE roles SET "+strings.Join(sets, ", ")+" WHERE id = ?", append(args, id)...); err != nil {
			if s.db.IsUniqueViolation(err) {
				return ErrRoleExists
			}
			return fmt.Errorf("failed to update role: %w", err)
		}

		if in.Permissions != nil {
			if err := replacePermissions(ctx, tx, id, *in.Permissions); err != nil {
				return err
			}
		}
		if in.IsDefault != nil && *in.IsDefault {
			return storage.SetSingletonFlag(ctx, tx, "roles", "is_default", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if in.Permissions != nil {
		changed = append(changed, "permissions")
		s.invalidateAll(ctx)
	}
	if in.IsDefault != nil && *in.IsDefault {
		changed = append(changed, "is_default")
	}

	s.record(ctx, audit.ActionRoleUpdate, audit.On("role", id, map[string]interface{}{"changed": changed}))
	return s.GetRole(ctx, id)
}

// DeleteRole removes a role. System roles are rejected unless
// opts.AllowSystem is set and the actor in ctx holds the super admin role.
func (s *Store) DeleteRole(ctx context.Context, id string, opts DeleteRoleOptions) error {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}

	if role.IsSystem {
		actor, _ := contextkeys.GetActor(ctx)
		if !opts.AllowSystem || !actor.HasRole(RoleSuperAdmin) {
			s.record(ctx, audit.ActionRoleDelete, audit.Failure(ErrSystemRole, "role", id))
			return ErrSystemRole
		}
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM roles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return ErrRoleNotFound
	}

	s.invalidateAll(ctx)
	s.record(ctx, audit.ActionRoleDelete, audit.On("role", id, map[string]interface{}{
		"name":      role.Name,
		"is_system": role.IsSystem,
	}))
	return nil
}

// GetRole returns a role with its permission names.
func (s *Store) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.getRoleWhere(ctx, "id = ?", id)
}

// GetRoleByName returns a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return s.getRoleWhere(ctx, "name = ?", strings.TrimSpace(name))
}

// GetDefaultRole returns the role assigned to new users, or ErrRoleNotFound.
func (s *Store) GetDefaultRole(ctx context.Context) (*Role, error) {
	return s.getRoleWhere(ctx, "is_default = ?", true)
}

func (s *Store) getRoleWhere(ctx context.Context, where string, arg interface{}) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE "+where, arg))
	if err != nil {
		return nil, err
	}
	if role.Permissions, err = s.rolePermissionNames(ctx, role.ID); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles returns every role ordered by priority, highest first.
func (s *Store) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY priority DESC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	roles := make([]*Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	rows.Close()

	for _, role := range roles {
		if role.Permissions, err = s.rolePermissionNames(ctx, role.ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// SetDefaultRole makes id the only default role.
func (s *Store) SetDefaultRole(ctx context.Context, id string) error {
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		return storage.SetSingletonFlag(ctx, tx, "roles", "is_default", id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidDefaultRole
	}
	if err != nil {
		return fmt.Errorf("failed to set default role: %w", err)
	}

	s.record(ctx, audit.ActionRoleSetDefault, audit.On("role", id, nil))
	return nil
}

// SetRolePermissions replaces the permission set of a role.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, names []string) error {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return err
	}

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		return replacePermissions(ctx, tx, roleID, names)
	})
	if err != nil {
		return err
	}

	s.invalidateAll(ctx)
	s.record(ctx, audit.ActionRolePermissions, audit.On("role", roleID, map[string]interface{}{
		"permissions": normalizePermissionNames(names),
	}))
	return nil
}

// AssignRole grants a role to a user. Assigning a role twice is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID,
		).Scan(&n); err != nil {
			return fmt.Errorf("failed to check role assignment: %w", err)
		}
		if n > 0 {
			return nil
		}
		return insertUserRoles(ctx, tx, userID, []string{roleID}, contextkeys.GetActorID(ctx), s.now().UTC())
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, userID)
	s.record(ctx, audit.ActionRoleAssign, audit.On("user", userID, map[string]interface{}{"role_id": roleID}))
	return nil
}

// RevokeRole removes a role from a user.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if err := storage.RequireOneRow(result); err != nil {
		return fmt.Errorf("role assignment %w", storage.ErrNotFound)
	}

	s.invalidate(ctx, userID)
	s.record(ctx, audit.ActionRoleRevoke, audit.On("user", userID, map[string]interface{}{"role_id": roleID}))
	return nil
}

// SetUserRoles replaces a user's role set.
func (s *Store) SetUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("failed to clear user roles: %w", err)
		}
		return insertUserRoles(ctx, tx, userID, roleIDs, contextkeys.GetActorID(ctx), s.now().UTC())
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, userID)
	s.record(ctx, audit.ActionUserRolesUpdate, audit.On("user", userID, map[string]interface{}{"role_ids": roleIDs}))
	return nil
}

func (s *Store) rolePermissionNames(ctx context.Context, roleID string) ([]string, error) {
	return queryStrings(ctx, s.db, `
		SELECT p.name FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = ?
		ORDER BY p.name`, roleID)
}

func replacePermissions(ctx context.Context, tx *storage.Tx, roleID string, names []string) error {
	permissionIDs, err := resolvePermissionIDs(ctx, tx, names)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = ?", roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	return linkPermissions(ctx, tx, roleID, permissionIDs)
}

// resolvePermissionIDs maps names to catalog ids, rejecting unknown names
// before anything is written.
func resolvePermissionIDs(ctx context.Context, r storage.Runner, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range normalizePermissionNames(names) {
		var id string
		err := r.QueryRowContext(ctx, "SELECT id FROM permissions WHERE name = ?", name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up permission %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func linkPermissions(ctx context.Context, r storage.Runner, roleID string, permissionIDs []string) error {
	for _, pid := range permissionIDs {
		if _, err := r.ExecContext(ctx,
			"INSERT INTO role_permissions (role_id, permission_id) VALUES (?, ?)", roleID, pid); err != nil {
			return fmt.Errorf("failed to link permission: %w", err)
		}
	}
	return nil
}

func normalizePermissionNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func scanRole(row scanner) (*Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Priority,
		&role.IsSystem, &role.IsDefault, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}
	role.CreatedAt = role.CreatedAt.UTC()
	role.UpdatedAt = role.UpdatedAt.UTC()
	return &role, nil
}

func queryStrings(ctx context.Context, r storage.Runner, query string, args ...interface{}) ([]string, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
