package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewRedis(client, Config{KeyPrefix: "test:access", TTL: time.Minute}), mr
}

// exerciseCache runs the contract every AccessCache implementation must meet.
func exerciseCache(t *testing.T, c AccessCache) {
	ctx := context.Background()

	_, err := c.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	want := &Access{RoleIDs: []string{"r1"}, Roles: []string{"viewer"}, Permissions: []string{"queries:execute"}}
	require.NoError(t, c.Set(ctx, "u1", want))
	require.NoError(t, c.Set(ctx, "u2", want))
	require.NoError(t, c.Set(ctx, "u3", nil))

	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, err = c.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	_, err = c.Get(ctx, "u2")
	require.NoError(t, err)

	require.NoError(t, c.InvalidateAll(ctx))
	_, err = c.Get(ctx, "u2")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// entries written after a full invalidation are visible again
	require.NoError(t, c.Set(ctx, "u2", want))
	_, err = c.Get(ctx, "u2")
	assert.NoError(t, err)
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemory(Config{TTL: time.Minute}))
}

func TestRedisCache(t *testing.T) {
	c, _ := setupRedisCache(t)
	exerciseCache(t, c)
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "u1", &Access{Roles: []string{"viewer"}}))
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	c, mr := setupRedisCache(t)

	require.NoError(t, mr.Set("test:access:0:u1", "{not json"))
	_, err := c.Get(context.Background(), "u1")
	assert.Error(t, err)
	assert.False(t, mr.Exists("test:access:0:u1"), "corrupt entries are dropped")
}

func TestRedisCache_Unavailable(t *testing.T) {
	c, mr := setupRedisCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "u1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestNewRedisClient_Errors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "invalid://url")
	assert.Error(t, err)

	_, err = NewRedisClient(context.Background(), "redis://127.0.0.1:1")
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var c AccessCache = Noop{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "u1", &Access{}))
	_, err := c.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, c.Invalidate(ctx, "u1"))
	assert.NoError(t, c.InvalidateAll(ctx))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	c, client, err := Open(ctx, Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)
	assert.Nil(t, client)

	c, _, err = Open(ctx, Config{Type: "none"})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, c)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, client, err = Open(ctx, Config{Type: "redis", RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()
	assert.IsType(t, &Redis{}, c)

	_, _, err = Open(ctx, Config{Type: "memcached"})
	assert.Error(t, err)
}
