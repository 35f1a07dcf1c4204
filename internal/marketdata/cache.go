package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"liqmap/pkg/types"
)

// FetchFunc produces a fresh market snapshot. Wired to Fetcher.FetchAll
// in production.
type FetchFunc func(ctx context.Context) (map[string]*types.AssetMarketData, error)

// Cache is a read-mostly TTL cache over the market snapshot. Readers
// share the cached value; at most one refresh runs at a time, and
// concurrent callers of an expired cache wait on that single refresh.
// When a refresh fails and a previous snapshot exists, the stale
// snapshot is served instead of the error.
type Cache struct {
	fetch  FetchFunc
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	data      map[string]*types.AssetMarketData
	fetchedAt time.Time
}

// NewCache creates a cache with the given TTL.
func NewCache(fetch FetchFunc, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		fetch:  fetch,
		ttl:    ttl,
		logger: logger.With("component", "marketdata-cache"),
	}
}

// Get returns the cached snapshot and its fetch time, refreshing first
// when the TTL has lapsed. An error is only returned when no snapshot
// has ever succeeded.
func (c *Cache) Get(ctx context.Context) (map[string]*types.AssetMarketData, time.Time, error) {
	c.mu.RLock()
	if c.data != nil && time.Since(c.fetchedAt) < c.ttl {
		data, at := c.data, c.fetchedAt
		c.mu.RUnlock()
		return data, at, nil
	}
	c.mu.RUnlock()

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a just-finished refresh by another
		// caller is still fresh.
		c.mu.RLock()
		fresh := c.data != nil && time.Since(c.fetchedAt) < c.ttl
		c.mu.RUnlock()
		if fresh {
			return nil, nil
		}

		data, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.data, c.fetchedAt = data, time.Now()
		c.mu.Unlock()
		return nil, nil
	})

	c.mu.RLock()
	data, at := c.data, c.fetchedAt
	c.mu.RUnlock()

	if err != nil {
		if data != nil {
			c.logger.Warn("refresh failed, serving stale snapshot", "age", time.Since(at).Round(time.Second), "error", err)
			return data, at, nil
		}
		return nil, time.Time{}, err
	}
	return data, at, nil
}

// FetchedAt reports when the cached snapshot was produced. Zero when no
// fetch has succeeded yet.
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}
