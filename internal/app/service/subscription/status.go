package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/types"
)

// GetSubscriptionStatus is a display read. It takes no locks and may be served from cache.
func (s *Service) GetSubscriptionStatus(ctx context.Context, userID string) (*types.SubscriptionInfo, error) {
	now := s.now()
	if info, ok := s.cache.Get(ctx, userID); ok {
		return display(info, now), nil
	}

	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("load subscription for %s: %w", userID, err)
	}
	info := sub.Info()
	s.cache.Set(ctx, info)
	return display(info, now), nil
}

// display reports a lapsed period as expired without writing it back.
func display(info *types.SubscriptionInfo, now time.Time) *types.SubscriptionInfo {
	out := *info
	if out.Status == types.SubscriptionStatusCancelled {
		out.IsSubscribed = false
		return &out
	}
	if out.SubscriptionEndDate == nil || !out.SubscriptionEndDate.After(now) {
		out.Status = types.SubscriptionStatusExpired
		out.IsSubscribed = false
	}
	return &out
}

type RefundOutcome struct {
	RefundID         string
	ProviderRefundID string
	Status           types.RefundStatus
	Error            string

	// TransactionID and Amount describe a refund the provider issued on its
	// own, e.g. an App Store refund. Amount 0 means the remaining balance.
	TransactionID string
	Amount        int64
}

type RefundOutcomeResult struct {
	Refund       *models.RefundRecord
	Subscription *models.Subscription
	// Cancelled is set when the refund consumed the payment the subscription runs on.
	Cancelled bool
}

// ApplyRefundOutcome records the processor's answer for a refund. Once
// completed refunds cover the whole payment the current period rests on,
// the subscription ends in the same transaction.
func (s *Service) ApplyRefundOutcome(ctx context.Context, in RefundOutcome) (*RefundOutcomeResult, error) {
	var res *RefundOutcomeResult
	err := s.runTx(ctx, "refund_outcome", func(tx *gorm.DB) error {
		record, err := s.refunds.UpdateStatusTx(ctx, tx, &refund.StatusUpdate{
			RefundID:         in.RefundID,
			ProviderRefundID: in.ProviderRefundID,
			Status:           in.Status,
			Error:            in.Error,
		})
		if errors.Is(err, refund.ErrRefundNotFound) && in.RefundID == "" && in.TransactionID != "" {
			record, err = s.recordProviderRefund(ctx, tx, in)
		}
		if err != nil {
			return err
		}
		if record == nil {
			res = &RefundOutcomeResult{}
			return nil
		}
		res = &RefundOutcomeResult{Refund: record}
		if record.Status != types.RefundStatusCompleted {
			return nil
		}

		var payment models.Payment
		if err := tx.Where("transaction_id = ?", record.PaymentTransactionID).Take(&payment).Error; err != nil {
			return fmt.Errorf("load payment %s: %w", record.PaymentTransactionID, err)
		}
		total, err := s.refunds.CompletedTotalTx(tx, payment.TransactionID)
		if err != nil {
			return err
		}
		if total < payment.Amount {
			return nil
		}

		sub, err := lockSubscription(tx, payment.UserID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Subscription = sub
		if sub.TransactionID != payment.TransactionID || sub.Status == types.SubscriptionStatusCancelled {
			return nil
		}
		before := sub.Clone()
		endNow(sub, s.now())
		if err := s.save(tx, before, sub, change{reason: types.SubscriptionChangeReasonRefund, transactionID: payment.TransactionID}); err != nil {
			return err
		}
		res.Cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Refund == nil {
		return res, nil
	}
	lg := logctx.FromCtx(ctx, s.log).With("refund_id", res.Refund.ID, "status", res.Refund.Status)
	if res.Cancelled {
		s.cache.Invalidate(ctx, res.Subscription.UserID)
		lg.Infow("subscription cancelled by full refund", "user_id", res.Subscription.UserID)
	} else {
		lg.Infow("refund outcome recorded")
	}
	return res, nil
}

// recordProviderRefund books a refund the provider reports without a request
// from us. It returns nil when the payment has nothing left to refund.
func (s *Service) recordProviderRefund(ctx context.Context, tx *gorm.DB, in RefundOutcome) (*models.RefundRecord, error) {
	amount := in.Amount
	if amount <= 0 {
		balance, err := s.refunds.RefundableBalanceTx(tx, in.TransactionID)
		if err != nil {
			return nil, err
		}
		amount = balance
	}
	if amount <= 0 {
		return nil, nil
	}
	record, err := s.refunds.RequestRefundTx(ctx, tx, &refund.RefundRequest{
		TransactionID: in.TransactionID,
		Amount:        amount,
		Reason:        RefundReasonProvider,
	})
	if err != nil {
		return nil, err
	}
	return s.refunds.UpdateStatusTx(ctx, tx, &refund.StatusUpdate{
		RefundID:         record.ID,
		ProviderRefundID: in.ProviderRefundID,
		Status:           in.Status,
		Error:            in.Error,
	})
}
