package rbac

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/sqlwarden/pkg/password"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// NewTestStore returns a store on a fresh in-memory database with the
// permission catalog and built-in roles seeded.
func NewTestStore(t testing.TB, opts ...Option) (*Store, *storage.Handle) {
	t.Helper()

	db := storage.NewTestHandle(t)
	store := NewStore(db, password.NewBcryptHasher(bcrypt.MinCost), opts...)
	if err := store.SeedCatalog(context.Background()); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}
	return store, db
}

// CreateTestUser creates an active user holding the named roles. With no
// role names the default role is assigned.
func CreateTestUser(t testing.TB, store *Store, username, pass string, roleNames ...string) *User {
	t.Helper()
	ctx := context.Background()

	var roleIDs []string
	for _, name := range roleNames {
		role, err := store.GetRoleByName(ctx, name)
		if err != nil {
			t.Fatalf("Failed to look up role %s: %v", name, err)
		}
		roleIDs = append(roleIDs, role.ID)
	}

	user, err := store.CreateUser(ctx, CreateUserInput{
		Email:    username + "@example.com",
		Username: username,
		Password: pass,
		RoleIDs:  roleIDs,
	})
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	return user
}
