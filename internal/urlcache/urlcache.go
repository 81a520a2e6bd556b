// Package urlcache is the C2 signed-URL cache: it memoizes
// objectstore.Store.SignRead results for the signing TTL minus a safety
// margin (default 5 minutes); when the margin is not smaller than the
// signing TTL, entries are kept for the full signing TTL. It coalesces
// concurrent misses for the same key with golang.org/x/sync/singleflight
// so a burst of requests for the same confirmation-face crop issues only
// one signing call.
package urlcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/busfleet/kiosk-sync/internal/objectstore"
)

type entry struct {
	url       string
	expiresAt time.Time
}

// Cache wraps an objectstore.Store, adding an in-process map and an
// optional Redis-backed secondary layer for cross-instance sharing, the
// same enabled/fallback pattern the teacher applies to Redis throughout
// cmd/api/main.go.
type Cache struct {
	store      objectstore.Store
	signTTL    time.Duration
	safetyMarg time.Duration

	mu    sync.Mutex
	local map[string]entry

	group *singleflight.Group
	redis *redis.Client
}

func New(store objectstore.Store, signTTL, safetyMargin time.Duration, redisClient *redis.Client) *Cache {
	return &Cache{
		store:      store,
		signTTL:    signTTL,
		safetyMarg: safetyMargin,
		local:      make(map[string]entry),
		group:      &singleflight.Group{},
		redis:      redisClient,
	}
}

func cacheTTL(signTTL, safetyMargin time.Duration) time.Duration {
	ttl := signTTL - safetyMargin
	if ttl <= 0 {
		return signTTL
	}
	return ttl
}

// SignedURL returns a cached signed URL for path, or signs a fresh one,
// coalescing concurrent misses for the same path into a single signing
// call.
func (c *Cache) SignedURL(ctx context.Context, path string) (string, error) {
	if url, ok := c.get(path); ok {
		return url, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		if url, ok := c.get(path); ok {
			return url, nil
		}
		url, err := c.store.SignRead(ctx, path, c.signTTL)
		if err != nil {
			return "", err
		}
		c.set(path, url)
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) get(path string) (string, bool) {
	c.mu.Lock()
	e, ok := c.local[path]
	c.mu.Unlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.url, true
	}

	if c.redis != nil {
		ctx := context.Background()
		url, err := c.redis.Get(ctx, redisKey(path)).Result()
		if err == nil && url != "" {
			ttl := cacheTTL(c.signTTL, c.safetyMarg)
			if remaining, err := c.redis.PTTL(ctx, redisKey(path)).Result(); err == nil && remaining > 0 && remaining < ttl {
				ttl = remaining
			}
			c.mu.Lock()
			c.local[path] = entry{url: url, expiresAt: time.Now().Add(ttl)}
			c.mu.Unlock()
			return url, true
		}
	}
	return "", false
}

func (c *Cache) set(path, url string) {
	ttl := cacheTTL(c.signTTL, c.safetyMarg)
	c.mu.Lock()
	c.local[path] = entry{url: url, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	if c.redis != nil {
		ctx := context.Background()
		c.redis.Set(ctx, redisKey(path), url, ttl)
	}
}

func redisKey(path string) string {
	return fmt.Sprintf("urlcache:%s", path)
}
