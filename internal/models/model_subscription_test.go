package models

import (
	"testing"
	"time"

	"github.com/fatflowers/paysync/pkg/types"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestSubscription_Valid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var nilSub *Subscription
	require.False(t, nilSub.Valid(now))

	sub := &Subscription{
		Status:              types.SubscriptionStatusActive,
		IsSubscribed:        true,
		SubscriptionEndDate: lo.ToPtr(now.Add(time.Hour)),
	}
	require.True(t, sub.Valid(now))

	sub.Status = types.SubscriptionStatusGrace
	require.True(t, sub.Valid(now))

	sub.Status = types.SubscriptionStatusCancelled
	require.False(t, sub.Valid(now))

	sub.Status = types.SubscriptionStatusActive
	sub.SubscriptionEndDate = lo.ToPtr(now.Add(-time.Second))
	require.False(t, sub.Valid(now))
}

func TestSubscription_CloneIsIndependent(t *testing.T) {
	sub := &Subscription{PlanID: "premium", Entitlements: datatypes.JSONSlice[string]{"hd"}}
	c := sub.Clone()
	c.PlanID = "basic"
	c.Entitlements[0] = "sd"
	require.Equal(t, "premium", sub.PlanID)
	require.Equal(t, "hd", sub.Entitlements[0])
}

func TestSubscription_PendingDowngrade(t *testing.T) {
	sub := &Subscription{}
	require.False(t, sub.HasPendingDowngrade())
	sub.PendingDowngradePlanID = lo.ToPtr("basic")
	require.False(t, sub.HasPendingDowngrade())
	sub.PendingDowngradeEffectiveDate = lo.ToPtr(time.Now())
	require.True(t, sub.HasPendingDowngrade())
	sub.ClearPendingDowngrade()
	require.False(t, sub.HasPendingDowngrade())
}
