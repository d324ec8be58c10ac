package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/pkg/types"
)

func TestNilCacheIsNoop(t *testing.T) {
	var c *StatusCache
	ctx := context.Background()
	c.Set(ctx, &types.SubscriptionInfo{UserID: "u-1"})
	c.Invalidate(ctx, "u-1")
	info, ok := c.Get(ctx, "u-1")
	require.False(t, ok)
	require.Nil(t, info)
}

func TestUnreachableRedisMisses(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	c := &StatusCache{client: client, ttl: time.Minute, log: zap.NewNop().Sugar()}

	ctx := context.Background()
	c.Set(ctx, &types.SubscriptionInfo{UserID: "u-1"})
	_, ok := c.Get(ctx, "u-1")
	require.False(t, ok)
}

func TestDecode(t *testing.T) {
	info, err := decode([]byte(`{"user_id":"u-1","plan_id":"premium","status":"active","is_subscribed":true,"entitlements":["hd"]}`))
	require.NoError(t, err)
	require.Equal(t, "premium", info.PlanID)
	require.True(t, info.IsSubscribed)
	require.Equal(t, []string{"hd"}, info.Entitlements)

	_, err = decode([]byte("{"))
	require.Error(t, err)
	require.Equal(t, "paysync:subscription:u-1", key("u-1"))
}
