package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Cache is a small TTL key-value store. The memory implementation backs
// tests and single-node runs; the redis implementation backs deployments
// where verification tokens must survive a restart.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}
