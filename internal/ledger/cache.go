package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a cached balance can outlive a
// missed invalidation.
const DefaultCacheTTL = 30 * time.Second

// RedisCache is a read-through balance cache. Every ledger append
// deletes the key, so the cache only ever serves the read-heavy
// balance endpoint; correctness never depends on it (the ledger is
// still the source of truth, and all errors degrade to a store read).
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a balance cache over the given client.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

func balanceKey(userID, currency string) string {
	return "tonbroker:bal:" + userID + ":" + currency
}

func (c *RedisCache) GetBalance(ctx context.Context, userID, currency string) (string, bool) {
	val, err := c.rdb.Get(ctx, balanceKey(userID, currency)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("balance cache read failed", "error", err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) SetBalance(ctx context.Context, userID, currency, balance string) {
	if err := c.rdb.Set(ctx, balanceKey(userID, currency), balance, c.ttl).Err(); err != nil {
		c.logger.Warn("balance cache write failed", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID, currency string) {
	if err := c.rdb.Del(ctx, balanceKey(userID, currency)).Err(); err != nil {
		c.logger.Warn("balance cache invalidation failed", "error", err)
	}
}
