// Package cache caches each user's resolved roles and permissions so that
// permission checks do not re-walk the join tables on every request.
//
// Entries are invalidated explicitly by the identity store whenever role
// membership or role permissions change; the TTL only bounds staleness if an
// invalidation is lost.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrCacheMiss is returned by Get when no entry exists.
	ErrCacheMiss = errors.New("cache miss")
)

// Access is the cached resolution of one user's grants.
type Access struct {
	RoleIDs     []string `json:"role_ids"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// AccessCache stores Access entries keyed by user id.
type AccessCache interface {
	Get(ctx context.Context, userID string) (*Access, error)
	Set(ctx context.Context, userID string, access *Access) error
	Invalidate(ctx context.Context, userIDs ...string) error
	// InvalidateAll drops every entry, used when a role's permission set
	// changes and any number of users are affected.
	InvalidateAll(ctx context.Context) error
}

// Config selects and tunes the cache implementation.
type Config struct {
	Type       string // "redis", "memory" or "none"
	RedisURL   string
	KeyPrefix  string
	TTL        time.Duration
	MaxEntries int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:       "memory",
		KeyPrefix:  "sqlwarden:access",
		TTL:        5 * time.Minute,
		MaxEntries: 10000,
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (*Access, error) { return nil, ErrCacheMiss }
func (Noop) Set(context.Context, string, *Access) error { return nil }
func (Noop) Invalidate(context.Context, ...string) error { return nil }
func (Noop) InvalidateAll(context.Context) error { return nil }

// Open builds the cache selected by cfg.Type. The redis client is returned so
// health checks and shutdown can reuse it; it is nil for other types.
func Open(ctx context.Context, cfg Config) (AccessCache, *redis.Client, error) {
	switch cfg.Type {
	case "redis":
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return NewRedis(client, cfg), client, nil
	case "memory", "":
		return NewMemory(cfg), nil, nil
	case "none":
		return Noop{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
