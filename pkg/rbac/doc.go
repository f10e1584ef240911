// Package rbac is the identity and role store: users, roles, the permission
// catalog, and the join tables that connect them.
//
// # Model
//
// A user holds any number of roles; a role holds any number of permissions
// from the catalog. A user's effective permission set is the union over its
// roles. Permission names are "category:verb" strings such as "roles:assign".
//
// Built-in roles are seeded by SeedCatalog:
//
//	super_admin  - system role holding every permission
//	admin        - system role managing users, roles, connections and rules
//	analyst      - query and AI access
//	viewer       - read-only, the default role for new users
//
// # Invariants
//
//   - Email and username are lower-cased once, when written, so lookups by
//     identifier are case-insensitive.
//   - At most one role is the default. SetDefaultRole clears every flag and
//     sets one inside a single transaction; a partial unique index backs it.
//   - A user created without explicit roles receives the current default role.
//   - Users are never hard deleted. System users and system roles cannot be
//     removed; a system role can only be deleted with an explicit override by
//     an actor holding super_admin.
//
// # Usage Example
//
//	store := rbac.NewStore(db, password.NewBcryptHasher(12),
//		rbac.WithAuditLogger(recorder),
//		rbac.WithAccessCache(cache.NewRedis(client, cacheCfg)))
//
//	if err := store.SeedCatalog(ctx); err != nil {
//		return err
//	}
//
//	user, err := store.CreateUser(ctx, rbac.CreateUserInput{
//		Email:    "alice@example.com",
//		Username: "alice",
//		Password: pw,
//	})
//
//	ok, err := store.UserHasPermission(ctx, user.ID, rbac.PermAuditRead)
//
// Resolved roles and permissions are cached per user when an AccessCache is
// configured and invalidated on every membership or role-permission change.
package rbac
