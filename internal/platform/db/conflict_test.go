package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db/dbtest"
	"github.com/fatflowers/paysync/pkg/types"
)

func TestIsConflict(t *testing.T) {
	require.False(t, IsConflict(nil))
	require.False(t, IsConflict(errors.New("boom")))
	require.True(t, IsConflict(fmt.Errorf("write: %w", ErrVersionConflict)))
	require.True(t, IsConflict(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsConflict(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"})))
	require.False(t, IsConflict(&pgconn.PgError{Code: "23505"}))
}

func TestRunInTx_RetriesConflicts(t *testing.T) {
	gdb := dbtest.New(t)
	calls := 0
	conflicts := 0
	err := RunInTx(context.Background(), gdb, 3, func(int, error) { conflicts++ }, func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, conflicts)
}

func TestRunInTx_ExhaustsAttempts(t *testing.T) {
	gdb := dbtest.New(t)
	calls := 0
	err := RunInTx(context.Background(), gdb, 3, nil, func(tx *gorm.DB) error {
		calls++
		return ErrVersionConflict
	})
	require.ErrorIs(t, err, ErrConflictExhausted)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, 3, calls)
}

func TestUpdateVersioned(t *testing.T) {
	gdb := dbtest.New(t)
	sub := &models.Subscription{ID: "s-1", UserID: "u-1", PlanID: "basic", Status: types.SubscriptionStatusActive}
	require.NoError(t, gdb.Create(sub).Error)

	stale := *sub

	sub.PlanID = "premium"
	sub.Version++
	require.NoError(t, UpdateVersioned(gdb, sub, 0))

	stale.PlanID = "family"
	stale.Version++
	require.ErrorIs(t, UpdateVersioned(gdb, &stale, 0), ErrVersionConflict)

	var got models.Subscription
	require.NoError(t, gdb.First(&got, "id = ?", "s-1").Error)
	require.Equal(t, "premium", got.PlanID)
	require.Equal(t, int64(1), got.Version)
}
