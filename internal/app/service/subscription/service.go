// Package subscription resolves every change to a user's subscription row.
//
// Each operation is one database transaction: the row is read FOR UPDATE,
// modified in memory and written back conditioned on its version. Conflicts
// rerun the whole transaction and surface ErrConflict when they persist.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/idempotency"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/cache"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/tool"
	"github.com/fatflowers/paysync/pkg/types"
)

type Service struct {
	db      *gorm.DB
	cfg     *config.Config
	log     *zap.SugaredLogger
	guard   *idempotency.Guard
	refunds *refund.Service
	actions refund.ActionRecorder
	cache   *cache.StatusCache
	now     func() time.Time
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Config  *config.Config
	Log     *zap.SugaredLogger
	Guard   *idempotency.Guard
	Refunds *refund.Service
	Actions refund.ActionRecorder
	Cache   *cache.StatusCache
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		cfg:     p.Config,
		log:     p.Log,
		guard:   p.Guard,
		refunds: p.Refunds,
		actions: p.Actions,
		cache:   p.Cache,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// runTx reruns fn on version or serialization conflicts and maps exhaustion
// to ErrConflict. fn must not keep state across attempts.
func (s *Service) runTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := db.RunInTx(ctx, s.db, db.DefaultConflictAttempts, func(attempt int, err error) {
		metrics.ObserveConflict(op)
		logctx.FromCtx(ctx, s.log).Infow("subscription transaction conflict, retrying", "operation", op, "attempt", attempt, "error", err)
	}, fn)
	if errors.Is(err, db.ErrConflictExhausted) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func lockSubscription(tx *gorm.DB, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := db.ForUpdate(tx).Where("user_id = ?", userID).Take(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("load subscription for %s: %w", userID, err)
	}
	return &sub, nil
}

type change struct {
	reason        types.SubscriptionChangeReason
	transactionID string
	extra         datatypes.JSONMap
}

// save writes after and its log row. before is nil when the row is new.
func (s *Service) save(tx *gorm.DB, before, after *models.Subscription, c change) error {
	if before == nil {
		after.ID = tool.GenerateUUIDV7()
		after.Version = 1
		if err := db.CreateOrConflict(tx, after); err != nil {
			return fmt.Errorf("create subscription for %s: %w", after.UserID, err)
		}
	} else {
		prev := after.Version
		after.Version = prev + 1
		if err := db.UpdateVersioned(tx, after, prev); err != nil {
			return fmt.Errorf("update subscription for %s: %w", after.UserID, err)
		}
	}

	extra := c.extra
	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	entry := &models.SubscriptionLog{
		ID:            tool.GenerateUUIDV7(),
		UserID:        after.UserID,
		Reason:        c.reason,
		TransactionID: c.transactionID,
		Before:        datatypes.NewJSONType(before),
		After:         datatypes.NewJSONType(after.Clone()),
		Extra:         extra,
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("write subscription log: %w", err)
	}
	return nil
}

// applyPlan copies the plan's terms onto sub.
func applyPlan(sub *models.Subscription, plan *types.Plan) {
	sub.PlanID = plan.ID
	sub.PlanPrice = plan.Price
	sub.Currency = plan.Currency
	sub.Entitlements = append(datatypes.JSONSlice[string](nil), plan.Entitlements...)
}

// periodDays is the billing period of sub's plan. Plans removed from the
// catalogue are treated as monthly.
func (s *Service) periodDays(sub *models.Subscription) int {
	if plan := s.cfg.GetPlanByID(sub.PlanID); plan != nil && plan.PeriodDays > 0 {
		return plan.PeriodDays
	}
	return 30
}

var Module = fx.Options(
	fx.Provide(New),
)
