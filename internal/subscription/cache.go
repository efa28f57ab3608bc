package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache remembers gate answers for a short while. Lookup's ok is false on a miss.
type Cache interface {
	Lookup(ctx context.Context, shopID, channel string) (active, ok bool)
	Store(ctx context.Context, shopID, channel string, active bool)
	Forget(ctx context.Context, shopID, channel string)
}

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = redisx.TTLSubscription
	}
	return &RedisCache{rdb: rdb, ttl: ttl, log: log}
}

func key(shopID, channel string) string {
	return fmt.Sprintf(redisx.KeySubscription, shopID, channel)
}

func (c *RedisCache) Lookup(ctx context.Context, shopID, channel string) (bool, bool) {
	v, err := c.rdb.Get(ctx, key(shopID, channel)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("subscription cache read", zap.Error(err))
		}
		return false, false
	}
	return v == "1", true
}

func (c *RedisCache) Store(ctx context.Context, shopID, channel string, active bool) {
	v := "0"
	if active {
		v = "1"
	}
	if err := c.rdb.Set(ctx, key(shopID, channel), v, c.ttl).Err(); err != nil {
		c.log.Warn("subscription cache write", zap.Error(err))
	}
}

func (c *RedisCache) Forget(ctx context.Context, shopID, channel string) {
	if err := c.rdb.Del(ctx, key(shopID, channel)).Err(); err != nil {
		c.log.Warn("subscription cache delete", zap.Error(err))
	}
}
