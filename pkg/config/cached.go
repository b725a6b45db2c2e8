package config

import (
	"context"
	"sync"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// CachedSource memoizes an inner Source's first successful GetConfig call,
// spec §4.1. Go's sync.RWMutex plays the role of the original's
// tokio::sync::RwLock with the same double-checked-locking shape.
type CachedSource struct {
	inner Source
	mu    sync.RWMutex
	cache *types.ConfigBundle
}

func NewCachedSource(inner Source) *CachedSource {
	return &CachedSource{inner: inner}
}

func (c *CachedSource) SourceDebugString() string {
	return c.inner.SourceDebugString()
}

func (c *CachedSource) GetConfig(ctx context.Context) (types.ConfigBundle, error) {
	c.mu.RLock()
	if c.cache != nil {
		defer c.mu.RUnlock()
		return *c.cache, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		return *c.cache, nil
	}

	bundle, err := c.inner.GetConfig(ctx)
	if err != nil {
		return types.ConfigBundle{}, err
	}
	c.cache = &bundle
	return bundle, nil
}
