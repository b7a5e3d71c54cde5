package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache(defaultExpiration, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(defaultExpiration, cleanupInterval)}
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	v, found := m.c.Get(key)
	if !found {
		return "", ErrMiss
	}
	s, ok := v.(string)
	if !ok {
		return "", ErrMiss
	}
	return s, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
