package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/platinummonkey/sqlwarden/pkg/cache"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// GetUserAccess resolves a user's roles and permissions, consulting the
// access cache first.
func (s *Store) GetUserAccess(ctx context.Context, userID string) (*cache.Access, error) {
	access, err := s.cache.Get(ctx, userID)
	if err == nil {
		s.metrics.ObserveCache("access", true)
		return access, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("access cache read failed")
	}
	s.metrics.ObserveCache("access", false)

	access, err = s.resolveAccess(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, userID, access); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).Warn("access cache write failed")
	}
	return access, nil
}

func (s *Store) resolveAccess(ctx context.Context, userID string) (*cache.Access, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = ?
		ORDER BY r.priority DESC, r.name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}

	access := &cache.Access{RoleIDs: []string{}, Roles: []string{}}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		access.RoleIDs = append(access.RoleIDs, id)
		access.Roles = append(access.Roles, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate user roles: %w", err)
	}
	rows.Close()

	access.Permissions, err = queryStrings(ctx, s.db, `
		SELECT DISTINCT p.name FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = ?
		ORDER BY p.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user permissions: %w", err)
	}
	return access, nil
}

// GetUserRoles returns the names of the user's roles, highest priority first.
func (s *Store) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	access, err := s.GetUserAccess(ctx, userID)
	if err != nil {
		return nil, err
	}
	return access.Roles, nil
}

// GetUserRoleIDs returns the ids of the user's roles.
func (s *Store) GetUserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	access, err := s.GetUserAccess(ctx, userID)
	if err != nil {
		return nil, err
	}
	return access.RoleIDs, nil
}

// GetUserPermissions returns the union of permissions over the user's roles,
// deduplicated and sorted.
func (s *Store) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	access, err := s.GetUserAccess(ctx, userID)
	if err != nil {
		return nil, err
	}
	return access.Permissions, nil
}

// UserHasPermission checks if a user holds a permission
func (s *Store) UserHasPermission(ctx context.Context, userID, permission string) (bool, error) {
	return s.UserHasAnyPermission(ctx, userID, permission)
}

// UserHasAnyPermission reports whether the user holds at least one of the
// permissions.
func (s *Store) UserHasAnyPermission(ctx context.Context, userID string, permissions ...string) (bool, error) {
	held, err := s.permissionSet(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range permissions {
		if held[p] {
			s.metrics.ObservePermissionCheck(true)
			return true, nil
		}
	}
	s.metrics.ObservePermissionCheck(false)
	return false, nil
}

// UserHasAllPermissions reports whether the user holds every permission.
// An empty list is trivially satisfied.
func (s *Store) UserHasAllPermissions(ctx context.Context, userID string, permissions ...string) (bool, error) {
	held, err := s.permissionSet(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range permissions {
		if !held[p] {
			s.metrics.ObservePermissionCheck(false)
			return false, nil
		}
	}
	s.metrics.ObservePermissionCheck(true)
	return true, nil
}

func (s *Store) permissionSet(ctx context.Context, userID string) (map[string]bool, error) {
	perms, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set, nil
}

// ListPermissions returns the catalog ordered by category and name.
func (s *Store) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, category, created_at FROM permissions ORDER BY category ASC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	perms := make([]*Permission, 0)
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}

// SeedCatalog inserts the permission catalog and the built-in roles. It is
// idempotent: existing roles keep their edited permission sets, except the
// super admin role which always holds the whole catalog.
func (s *Store) SeedCatalog(ctx context.Context) error {
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		now := s.now().UTC()

		for _, entry := range Catalog() {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM permissions WHERE name = ?", entry.Name).Scan(&n); err != nil {
				return fmt.Errorf("failed to look up permission: %w", err)
			}
			if n > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO permissions (id, name, description, category, created_at) VALUES (?, ?, ?, ?, ?)",
				uuid.NewString(), entry.Name, entry.Description, entry.Category, now,
			); err != nil {
				return fmt.Errorf("failed to seed permission %s: %w", entry.Name, err)
			}
		}

		allNames := make([]string, 0, len(Catalog()))
		for _, entry := range Catalog() {
			allNames = append(allNames, entry.Name)
		}
		sort.Strings(allNames)

		defaultID, err := defaultRoleID(ctx, tx)
		if err != nil {
			return err
		}

		for _, builtIn := range BuiltInRoles() {
			names := builtIn.Permissions
			if names == nil {
				names = allNames
			}

			var id string
			err := tx.QueryRowContext(ctx, "SELECT id FROM roles WHERE name = ?", builtIn.Name).Scan(&id)
			switch {
			case err == nil:
				if builtIn.Name == RoleSuperAdmin {
					if err := replacePermissions(ctx, tx, id, names); err != nil {
						return err
					}
				}
				continue
			case !isNoRows(err):
				return fmt.Errorf("failed to look up role %s: %w", builtIn.Name, err)
			}

			id = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO roles (id, name, description, priority, is_system, is_default, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				id, builtIn.Name, builtIn.Description, builtIn.Priority, builtIn.IsSystem, false, now, now,
			); err != nil {
				return fmt.Errorf("failed to seed role %s: %w", builtIn.Name, err)
			}

			permissionIDs, err := resolvePermissionIDs(ctx, tx, names)
			if err != nil {
				return err
			}
			if err := linkPermissions(ctx, tx, id, permissionIDs); err != nil {
				return err
			}

			if builtIn.IsDefault && defaultID == "" {
				if err := storage.SetSingletonFlag(ctx, tx, "roles", "is_default", id); err != nil {
					return err
				}
				defaultID = id
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	s.invalidateAll(ctx)
	return nil
}

// BootstrapAdmin creates the system administrator with the super admin role
// unless a system user already exists. created reports whether a user was
// inserted.
func (s *Store) BootstrapAdmin(ctx context.Context, in BootstrapInput) (user *User, created bool, err error) {
	var existingID string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE is_system = ? ORDER BY created_at ASC LIMIT 1", true).Scan(&existingID)
	if err == nil {
		user, err = s.GetUser(ctx, existingID)
		return user, false, err
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("failed to look up system user: %w", err)
	}

	superAdmin, err := s.GetRoleByName(ctx, RoleSuperAdmin)
	if err != nil {
		return nil, false, fmt.Errorf("super admin role missing, seed the catalog first: %w", err)
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = "Administrator"
	}

	user, err = s.CreateUser(ctx, CreateUserInput{
		Email:       in.Email,
		Username:    in.Username,
		Password:    in.Password,
		DisplayName: displayName,
		RoleIDs:     []string{superAdmin.ID},
		isSystem:    true,
	})
	if err != nil {
		return nil, false, err
	}

	observability.FromContext(ctx, s.logger).
		WithField("user_id", user.ID).
		WithField("username", user.Username).
		Info("bootstrapped system administrator")
	return user, true, nil
}
