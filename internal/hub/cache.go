package hub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache persists the robot's bearer token outside the process so a PO
// replica restart does not force a fresh token mint (and a fresh Hub
// round-trip for every analysis binding) on the first tick.
type TokenCache interface {
	Get(ctx context.Context) (token string, ok bool)
	Put(ctx context.Context, token string, ttl time.Duration)
}

const robotTokenKey = "po:hub:robot_token"

// RedisTokenCache is the Redis-backed TokenCache used when REDIS_ADDR is
// configured. Cache failures degrade to a mint, never to an error.
type RedisTokenCache struct {
	rdb *redis.Client
}

// NewRedisTokenCache wraps an already-configured redis client.
func NewRedisTokenCache(rdb *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{rdb: rdb}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool) {
	val, err := c.rdb.Get(ctx, robotTokenKey).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *RedisTokenCache) Put(ctx context.Context, token string, ttl time.Duration) {
	// Expire a little early so a cached token is never handed out within
	// its final seconds.
	if ttl > 30*time.Second {
		ttl -= 30 * time.Second
	}
	c.rdb.Set(ctx, robotTokenKey, token, ttl)
}
