package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

func newSession(userID string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		IPAddress: "10.0.0.1",
		UserAgent: "go-test",
		CreatedAt: now,
	}
}

func newSessionFixture(t *testing.T) (*SessionStore, *rbac.Store, *rbac.User, *storage.Handle) {
	t.Helper()
	ids, db := rbac.NewTestStore(t)
	user := rbac.CreateTestUser(t, ids, "sam", "password-1")
	return NewSessionStore(db), ids, user, db
}

func TestSessionStore_CreateAndLookup(t *testing.T) {
	store, _, user, db := newSessionFixture(t)
	ctx := context.Background()

	s := newSession(user.ID, time.Hour)
	require.NoError(t, store.Create(ctx, s, "refresh-1"))

	var stored string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT refresh_token FROM sessions WHERE id = ?", s.ID).Scan(&stored))
	assert.Equal(t, HashToken("refresh-1"), stored, "refresh tokens are stored hashed")

	got, err := store.GetByRefreshToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, "10.0.0.1", got.IPAddress)
	assert.True(t, got.Active(time.Now()))

	_, err = store.GetByRefreshToken(ctx, "refresh-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.GetByRefreshToken(ctx, "refresh-")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_ExpiredNotReturned(t *testing.T) {
	store, _, user, _ := newSessionFixture(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession(user.ID, -time.Minute), "stale"))
	_, err := store.GetByRefreshToken(ctx, "stale")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	active, err := store.ListActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSessionStore_Revoke(t *testing.T) {
	store, _, user, _ := newSessionFixture(t)
	ctx := context.Background()

	s := newSession(user.ID, time.Hour)
	require.NoError(t, store.Create(ctx, s, "refresh-1"))

	require.NoError(t, store.Revoke(ctx, s.ID))
	assert.ErrorIs(t, store.Revoke(ctx, s.ID), ErrSessionNotFound)

	_, err := store.GetByRefreshToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt, "revocation is soft")
	assert.False(t, got.Active(time.Now()))
}

func TestSessionStore_RevokeAllForUser(t *testing.T) {
	store, ids, user, _ := newSessionFixture(t)
	other := rbac.CreateTestUser(t, ids, "tom", "password-1")
	ctx := context.Background()

	for i, token := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, newSession(user.ID, time.Hour), token), i)
	}
	require.NoError(t, store.Create(ctx, newSession(other.ID, time.Hour), "d"))

	n, err := store.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = store.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	active, err := store.ListActive(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSessionStore_Rotate(t *testing.T) {
	store, _, user, _ := newSessionFixture(t)
	ctx := context.Background()

	old := newSession(user.ID, time.Hour)
	require.NoError(t, store.Create(ctx, old, "old-token"))

	next := newSession(user.ID, time.Hour)
	require.NoError(t, store.Rotate(ctx, old.ID, "old-token", next, "new-token"))

	_, err := store.GetByRefreshToken(ctx, "old-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	got, err := store.GetByRefreshToken(ctx, "new-token")
	require.NoError(t, err)
	assert.Equal(t, next.ID, got.ID)

	again := newSession(user.ID, time.Hour)
	err = store.Rotate(ctx, old.ID, "old-token", again, "newer-token")
	assert.ErrorIs(t, err, ErrInvalidToken, "an already rotated session cannot rotate again")

	_, err = store.Get(ctx, again.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "the losing rotation writes nothing")
}

func TestSessionStore_RotateRequiresMatchingToken(t *testing.T) {
	store, _, user, _ := newSessionFixture(t)
	ctx := context.Background()

	old := newSession(user.ID, time.Hour)
	require.NoError(t, store.Create(ctx, old, "old-token"))

	err := store.Rotate(ctx, old.ID, "forged", newSession(user.ID, time.Hour), "new-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = store.GetByRefreshToken(ctx, "old-token")
	assert.NoError(t, err)
}

func TestSessionStore_RevokeInactiveUsers(t *testing.T) {
	store, ids, user, _ := newSessionFixture(t)
	other := rbac.CreateTestUser(t, ids, "uma", "password-1")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession(user.ID, time.Hour), "a"))
	require.NoError(t, store.Create(ctx, newSession(other.ID, time.Hour), "b"))

	inactive := false
	_, err := ids.UpdateUser(ctx, other.ID, rbac.UpdateUserInput{IsActive: &inactive})
	require.NoError(t, err)

	n, err := store.RevokeInactiveUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.GetByRefreshToken(ctx, "a")
	assert.NoError(t, err)
	_, err = store.GetByRefreshToken(ctx, "b")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_PurgeExpired(t *testing.T) {
	store, _, user, _ := newSessionFixture(t)
	ctx := context.Background()

	live := newSession(user.ID, time.Hour)
	require.NoError(t, store.Create(ctx, live, "live"))
	require.NoError(t, store.Create(ctx, newSession(user.ID, -time.Hour), "expired"))
	revoked := newSession(user.ID, time.Hour)
	require.NoError(t, store.Create(ctx, revoked, "revoked"))
	require.NoError(t, store.Revoke(ctx, revoked.ID))

	n, err := store.PurgeExpired(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = store.Get(ctx, live.ID)
	assert.NoError(t, err)
}
