// Package cache keeps a short-lived copy of subscription display reads in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/types"
)

const keyPrefix = "paysync:subscription:"

// StatusCache is nil when no Redis address is configured; a nil cache misses
// every read and ignores writes.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewStatusCache(lc fx.Lifecycle, cfg *config.Config, log *zap.SugaredLogger) *StatusCache {
	if cfg.Cache.RedisAddr == "" {
		log.Infow("subscription status cache disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	c := &StatusCache{client: client, ttl: cfg.Cache.TTL, log: log}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warnw("could not connect to redis, status reads go to the database", "addr", cfg.Cache.RedisAddr, "error", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return c
}

func key(userID string) string {
	return keyPrefix + userID
}

// Get returns the cached info and whether it was found. Redis errors count as misses.
func (c *StatusCache) Get(ctx context.Context, userID string) (*types.SubscriptionInfo, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, key(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnw("status cache get failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	info, err := decode(raw)
	if err != nil {
		c.log.Warnw("status cache entry unreadable", "user_id", userID, "error", err)
		return nil, false
	}
	return info, true
}

func (c *StatusCache) Set(ctx context.Context, info *types.SubscriptionInfo) {
	if c == nil || info == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(info.UserID), raw, c.ttl).Err(); err != nil {
		c.log.Warnw("status cache set failed", "user_id", info.UserID, "error", err)
	}
}

// Invalidate drops the entry after a committed write.
func (c *StatusCache) Invalidate(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, key(userID)).Err(); err != nil {
		c.log.Warnw("status cache invalidate failed", "user_id", userID, "error", err)
	}
}

func decode(raw []byte) (*types.SubscriptionInfo, error) {
	var info types.SubscriptionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode cached status: %w", err)
	}
	return &info, nil
}

var Module = fx.Options(
	fx.Provide(NewStatusCache),
)
