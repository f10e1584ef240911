package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActor(t *testing.T) {
	ctx := context.Background()

	_, ok := GetActor(ctx)
	assert.False(t, ok)
	assert.Empty(t, GetActorID(ctx))

	ctx = WithActor(ctx, Actor{UserID: "u1", Roles: []string{"admin", "super_admin"}})
	actor, ok := GetActor(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", GetActorID(ctx))
	assert.True(t, actor.HasRole("super_admin"))
	assert.False(t, actor.HasRole("viewer"))
}

func TestClientMetadata(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetClientIP(ctx))
	assert.Empty(t, GetUserAgent(ctx))
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithClient(ctx, "10.0.0.1", "curl/8.0")
	ctx = WithRequestID(ctx, "req-1")
	assert.Equal(t, "10.0.0.1", GetClientIP(ctx))
	assert.Equal(t, "curl/8.0", GetUserAgent(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))
}
