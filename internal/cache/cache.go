// Package cache maps request fingerprints to stored responses with TTL
// eviction, on top of any backend. A corrupt entry is treated as a miss:
// logged, evicted, never surfaced to the dispatch loop.
package cache

import (
	"context"
	"log/slog"

	"sessions/internal/backend"
	"sessions/internal/models"
)

// Cache is the response cache engine. All addressing goes through the
// fingerprint-derived cache key computed by the keys package.
type Cache struct {
	backend backend.Backend
	prefix  string
	timeout float64
	logger  *slog.Logger
}

// New creates a cache over the given backend. prefix is the session's key
// namespace; timeout is the default TTL in seconds for stored responses.
func New(be backend.Backend, prefix string, timeout float64, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{backend: be, prefix: prefix, timeout: timeout, logger: logger}
}

// Lookup returns the cached response under key, or ok=false on a miss. A
// miss is never an error: absent keys, expired entries, backend failures and
// undecodable entries all report ok=false (failures are logged, corrupt
// entries also evicted).
func (c *Cache) Lookup(ctx context.Context, key string) (*models.Response, bool) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	resp, err := Decode(data)
	if err != nil {
		c.logger.Warn("evicting undecodable cache entry", "key", key, "error", err)
		c.backend.Delete(ctx, key)
		return nil, false
	}
	return resp, true
}

// Store serializes resp and stores it under key. A ttl of zero applies the
// cache's default timeout. Storing again refreshes the TTL.
func (c *Cache) Store(ctx context.Context, key string, resp *models.Response, ttl float64) error {
	if ttl <= 0 {
		ttl = c.timeout
	}
	return c.backend.Set(ctx, key, Encode(resp), ttl)
}

// Get reads a cached response by fingerprint rather than full key.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.Response, bool) {
	return c.Lookup(ctx, c.prefix+":cache:"+fingerprint)
}

// Clear drops every cache entry in this session's namespace.
func (c *Cache) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx, c.prefix+":cache:")
}
