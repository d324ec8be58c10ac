package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/types"
)

const (
	// RefundReasonCancellation tags credits produced by immediate cancellations.
	RefundReasonCancellation = "cancellation"
	// RefundReasonProvider tags refunds the provider issued on its own.
	RefundReasonProvider = "provider_initiated"
)

type DowngradeRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	NewPlanID string `json:"new_plan_id" binding:"required"`
	// EffectiveDate defaults to the end of the current period.
	EffectiveDate *time.Time `json:"effective_date"`
}

type DowngradeResult struct {
	Subscription *models.Subscription `json:"subscription"`
	Scheduled    bool                 `json:"scheduled"`
	Credit       *models.RefundRecord `json:"credit,omitempty"`
}

// RequestDowngrade schedules a move to a cheaper plan, or applies it now with
// a prorated credit when the effective date is not in the future. The plan
// change and the credit commit together.
func (s *Service) RequestDowngrade(ctx context.Context, req DowngradeRequest) (*DowngradeResult, error) {
	newPlan := s.cfg.GetPlanByID(req.NewPlanID)
	if newPlan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, req.NewPlanID)
	}

	var res *DowngradeResult
	err := s.runTx(ctx, "downgrade", func(tx *gorm.DB) error {
		res = nil
		now := s.now()
		sub, err := lockSubscription(tx, req.UserID)
		if err != nil {
			return err
		}
		if !sub.Valid(now) {
			return ErrSubscriptionNotActive
		}
		if newPlan.Price >= sub.PlanPrice || newPlan.ID == sub.PlanID {
			return ErrNotADowngrade
		}
		if sub.HasPendingDowngrade() {
			return ErrDowngradePending
		}

		effective := lo.FromPtr(lo.Ternary(req.EffectiveDate != nil, req.EffectiveDate, sub.SubscriptionEndDate)).UTC()
		before := sub.Clone()

		if effective.After(now) {
			sub.PendingDowngradePlanID = lo.ToPtr(newPlan.ID)
			sub.PendingDowngradeEffectiveDate = &effective
			if err := s.save(tx, before, sub, change{
				reason:        types.SubscriptionChangeReasonDowngradeScheduled,
				transactionID: sub.TransactionID,
				extra:         datatypes.JSONMap{"new_plan_id": newPlan.ID},
			}); err != nil {
				return err
			}
			res = &DowngradeResult{Subscription: sub, Scheduled: true}
			return nil
		}

		amount := ProrateCredit(sub.PlanPrice, newPlan.Price, s.periodDays(sub), now, *sub.SubscriptionEndDate)
		credit, err := s.issueCredit(ctx, tx, sub, amount, types.RefundReasonPlanDowngrade)
		if err != nil {
			return err
		}
		applyPlan(sub, newPlan)
		sub.ClearPendingDowngrade()
		if err := s.save(tx, before, sub, change{
			reason:        types.SubscriptionChangeReasonDowngrade,
			transactionID: sub.TransactionID,
			extra:         datatypes.JSONMap{"new_plan_id": newPlan.ID, "credit": amount},
		}); err != nil {
			return err
		}
		res = &DowngradeResult{Subscription: sub, Credit: credit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, req.UserID)
	logctx.FromCtx(ctx, s.log).Infow("downgrade requested",
		"user_id", req.UserID, "new_plan_id", newPlan.ID, "scheduled", res.Scheduled,
		"credit", lo.Ternary(res.Credit != nil, lo.FromPtr(res.Credit).Amount, 0))
	return res, nil
}

// issueCredit refunds up to amount against the payment sub is based on,
// clamped to what is still refundable. It returns nil when nothing is owed.
func (s *Service) issueCredit(ctx context.Context, tx *gorm.DB, sub *models.Subscription, amount int64, reason string) (*models.RefundRecord, error) {
	if amount <= 0 || sub.TransactionID == "" {
		return nil, nil
	}
	balance, err := s.refunds.RefundableBalanceTx(tx, sub.TransactionID)
	if errors.Is(err, refund.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	amount = min(amount, balance)
	if amount <= 0 {
		return nil, nil
	}
	return s.refunds.RequestRefundTx(ctx, tx, &refund.RefundRequest{
		UserID:        sub.UserID,
		TransactionID: sub.TransactionID,
		Amount:        amount,
		Reason:        reason,
	})
}

type CancelRequest struct {
	UserID string `json:"user_id" binding:"required"`
	// Immediate ends access now with a prorated credit; otherwise access runs
	// to the end of the period and auto renew is turned off.
	Immediate bool `json:"immediate"`
}

type CancelResult struct {
	Subscription *models.Subscription `json:"subscription"`
	Credit       *models.RefundRecord `json:"credit,omitempty"`
}

func (s *Service) CancelSubscription(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	var res *CancelResult
	err := s.runTx(ctx, "cancel", func(tx *gorm.DB) error {
		res = nil
		now := s.now()
		sub, err := lockSubscription(tx, req.UserID)
		if err != nil {
			return err
		}
		before := sub.Clone()

		if !req.Immediate {
			if !sub.AutoRenew {
				res = &CancelResult{Subscription: sub}
				return nil
			}
			sub.AutoRenew = false
			sub.AutoRenewDisabledReason = lo.ToPtr("user_cancelled")
			if err := s.save(tx, before, sub, change{reason: types.SubscriptionChangeReasonCancelRenew, transactionID: sub.TransactionID}); err != nil {
				return err
			}
			res = &CancelResult{Subscription: sub}
			return nil
		}

		if sub.Status == types.SubscriptionStatusCancelled {
			res = &CancelResult{Subscription: sub}
			return nil
		}
		var credit *models.RefundRecord
		if sub.Valid(now) {
			amount := ProrateCredit(sub.PlanPrice, 0, s.periodDays(sub), now, *sub.SubscriptionEndDate)
			if credit, err = s.issueCredit(ctx, tx, sub, amount, RefundReasonCancellation); err != nil {
				return err
			}
		}
		endNow(sub, now)
		if err := s.save(tx, before, sub, change{reason: types.SubscriptionChangeReasonCancel, transactionID: sub.TransactionID}); err != nil {
			return err
		}
		res = &CancelResult{Subscription: sub, Credit: credit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, req.UserID)
	logctx.FromCtx(ctx, s.log).Infow("subscription cancelled", "user_id", req.UserID, "immediate", req.Immediate)
	return res, nil
}

func endNow(sub *models.Subscription, now time.Time) {
	sub.Status = types.SubscriptionStatusCancelled
	sub.IsSubscribed = false
	sub.AutoRenew = false
	sub.SubscriptionEndDate = &now
	sub.ClearPendingDowngrade()
}

// ProrateCredit is the unused share of the price difference:
// (oldPrice - newPrice) / periodDays * whole days remaining, floored to the minor unit.
func ProrateCredit(oldPrice, newPrice int64, periodDays int, now, end time.Time) int64 {
	if periodDays <= 0 || oldPrice <= newPrice || !end.After(now) {
		return 0
	}
	days := min(int64(end.Sub(now)/(24*time.Hour)), int64(periodDays))
	if days <= 0 {
		return 0
	}
	return decimal.NewFromInt(oldPrice - newPrice).
		Mul(decimal.NewFromInt(days)).
		Div(decimal.NewFromInt(int64(periodDays))).
		Floor().
		IntPart()
}
