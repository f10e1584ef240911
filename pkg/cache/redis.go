package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is an AccessCache shared by every process pointing at the same
// Redis. Keys embed a generation number; InvalidateAll bumps it so old keys
// become unreachable and expire on their own.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient parses url, applies timeouts and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, cfg Config) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultConfig().KeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) generationKey() string {
	return r.prefix + ":gen"
}

func (r *Redis) generation(ctx context.Context) (int64, error) {
	gen, err := r.client.Get(ctx, r.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

func (r *Redis) key(gen int64, userID string) string {
	return fmt.Sprintf("%s:%d:%s", r.prefix, gen, userID)
}

func (r *Redis) Get(ctx context.Context, userID string) (*Access, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return nil, err
	}

	key := r.key(gen, userID)
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var access Access
	if err := json.Unmarshal(data, &access); err != nil {
		r.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to unmarshal access entry: %w", err)
	}
	return &access, nil
}

func (r *Redis) Set(ctx context.Context, userID string, access *Access) error {
	if access == nil {
		return nil
	}
	gen, err := r.generation(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(access)
	if err != nil {
		return fmt.Errorf("failed to marshal access entry: %w", err)
	}
	return r.client.Set(ctx, r.key(gen, userID), data, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	gen, err := r.generation(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = r.key(gen, id)
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) InvalidateAll(ctx context.Context) error {
	return r.client.Incr(ctx, r.generationKey()).Err()
}

// Client returns the underlying client for health checks.
func (r *Redis) Client() *redis.Client {
	return r.client
}
