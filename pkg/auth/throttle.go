package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// LimitConfig bounds failed logins per identifier.
type LimitConfig struct {
	// MaxFailures is the number of failures tolerated within Window.
	MaxFailures int
	// Window is how long failures are remembered.
	Window time.Duration
}

// DefaultLimitConfig returns default login throttling settings
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		MaxFailures: 5,
		Window:      15 * time.Minute,
	}
}

func (c LimitConfig) normalized() LimitConfig {
	d := DefaultLimitConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// LoginLimiter tracks failed logins. Keys are normalized identifiers.
type LoginLimiter interface {
	// Allow reports whether another attempt is permitted for key.
	Allow(ctx context.Context, key string) (bool, error)
	// Fail counts one failed attempt.
	Fail(ctx context.Context, key string) error
	// Reset forgets the failures of key, after a successful login.
	Reset(ctx context.Context, key string) error
}

// MemoryLimiter is a process-local LoginLimiter using fixed windows.
type MemoryLimiter struct {
	config  LimitConfig
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*failureWindow
}

type failureWindow struct {
	count int
	start time.Time
}

// NewMemoryLimiter creates a new in-process limiter
func NewMemoryLimiter(config LimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		config:  config.normalized(),
		now:     time.Now,
		windows: make(map[string]*failureWindow),
	}
}

func (l *MemoryLimiter) current(key string, now time.Time) *failureWindow {
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.config.Window {
		return nil
	}
	return w
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(key, l.now())
	return w == nil || w.count < l.config.MaxFailures, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if w := l.current(key, now); w != nil {
		w.count++
		return nil
	}
	l.windows[key] = &failureWindow{count: 1, start: now}
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
	return nil
}

// Cleanup removes expired windows (should be called periodically)
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key := range l.windows {
		if l.current(key, now) == nil {
			delete(l.windows, key)
		}
	}
}

// StartCleanup starts a background goroutine to cleanup expired windows
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.Window)
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RedisLimiter is a LoginLimiter shared by every process using the same
// Redis. The window starts at the first failure.
type RedisLimiter struct {
	redis  *redis.Client
	config LimitConfig
	prefix string
}

// NewRedisLimiter creates a new Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config LimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "sqlwarden:login"
	}
	return &RedisLimiter{
		redis:  client,
		config: config.normalized(),
		prefix: prefix,
	}
}

func (l *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return count < l.config.MaxFailures, nil
}

// Fail counts a failure. The window starts at the first failure; a counter
// left without an expiry by an earlier partial write gets one here.
func (l *RedisLimiter) Fail(ctx context.Context, key string) error {
	redisKey := l.key(key)
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		ttl = pipe.TTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if incr.Val() == 1 || ttl.Val() < 0 {
		if err := l.redis.Expire(ctx, redisKey, l.config.Window).Err(); err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, l.key(key)).Err()
}
