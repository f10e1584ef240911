package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is a process-local AccessCache backed by an expirable LRU.
type Memory struct {
	cache *lru.LRU[string, Access]
}

// NewMemory creates an in-process cache.
func NewMemory(cfg Config) *Memory {
	size := cfg.MaxEntries
	if size <= 0 {
		size = DefaultConfig().MaxEntries
	}
	return &Memory{
		cache: lru.NewLRU[string, Access](size, nil, cfg.TTL),
	}
}

func (m *Memory) Get(_ context.Context, userID string) (*Access, error) {
	access, ok := m.cache.Get(userID)
	if !ok {
		return nil, ErrCacheMiss
	}
	return &access, nil
}

func (m *Memory) Set(_ context.Context, userID string, access *Access) error {
	if access == nil {
		return nil
	}
	m.cache.Add(userID, *access)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, userIDs ...string) error {
	for _, id := range userIDs {
		m.cache.Remove(id)
	}
	return nil
}

func (m *Memory) InvalidateAll(context.Context) error {
	m.cache.Purge()
	return nil
}
