package cache

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryClient is an in-process CacheClient for single-replica deployments.
// Values are stored encoded so callers never share mutable state with the
// cache.
type MemoryClient struct {
	c *gocache.Cache
}

func NewMemoryClient(defaultTTL time.Duration) *MemoryClient {
	return &MemoryClient{c: gocache.New(defaultTTL, 2*defaultTTL)}
}

func (m *MemoryClient) Get(_ context.Context, key string, dest any) error {
	v, found := m.c.Get(key)
	if !found {
		return ErrMiss
	}
	return json.Unmarshal(v.([]byte), dest)
}

func (m *MemoryClient) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.c.Set(key, b, ttl)
	return nil
}

func (m *MemoryClient) Del(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryClient) Close() error {
	m.c.Flush()
	return nil
}
