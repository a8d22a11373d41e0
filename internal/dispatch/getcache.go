package dispatch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// getCache serves adapter GET operations from the shared cache, keyed by
// URL and query, with a short TTL, per spec §4.6. A nil client disables
// caching rather than failing calls.
type getCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newGetCache(client *redis.Client, ttl time.Duration) *getCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &getCache{client: client, ttl: ttl}
}

func (c *getCache) get(ctx context.Context, key string) (string, bool) {
	if c.client == nil {
		return "", false
	}
	v, err := c.client.Get(ctx, "dispatch:get:"+key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *getCache) set(ctx context.Context, key, value string) {
	if c.client == nil {
		return
	}
	c.client.Set(ctx, "dispatch:get:"+key, value, c.ttl)
}
