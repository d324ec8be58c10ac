package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/types"
)

// AutoRenewDisabledReasonFailures is stored when repeated renewal failures turn auto renew off.
const AutoRenewDisabledReasonFailures = "renewal_failure_threshold"

type RenewalFailure struct {
	UserID        string
	TransactionID string
	Reason        string
}

type RenewalFailureResult struct {
	FailureCount int
	// Disabled is set when this call turned auto renew off.
	Disabled bool
	// Escalated is set when the disable write failed and an admin action was raised instead.
	Escalated bool
}

// RecordRenewalFailure fails the pending renewal payment and counts the
// failure. At the configured threshold it tries once to disable auto renew;
// if that write fails it raises one admin action and returns without retrying.
func (s *Service) RecordRenewalFailure(ctx context.Context, in RenewalFailure) (*RenewalFailureResult, error) {
	lg := logctx.FromCtx(ctx, s.log).With("user_id", in.UserID, "transaction_id", in.TransactionID)

	var (
		res           *RenewalFailureResult
		shouldDisable bool
		userID        = in.UserID
		subID         string
	)
	err := s.runTx(ctx, "renewal_failure", func(tx *gorm.DB) error {
		res, shouldDisable = &RenewalFailureResult{}, false

		var payment models.Payment
		if err := db.ForUpdate(tx).Where("transaction_id = ?", in.TransactionID).Take(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return result.NewFatal(ReasonMissingCorrelation, fmt.Errorf("renewal payment %s not found", in.TransactionID))
			}
			return err
		}
		sub, err := lockSubscription(tx, payment.UserID)
		if err != nil {
			return err
		}
		userID, subID = sub.UserID, sub.ID
		res.FailureCount = sub.AutoRenewFailureCount
		if !payment.IsPending() {
			return nil
		}

		now := s.now()
		payment.Status = types.PaymentStatusFailed
		payment.FailedAt = &now
		payment.FailReason = lo.EmptyableToPtr(in.Reason)
		if err := tx.Model(&payment).Select("status", "failed_at", "fail_reason", "updated_at").Updates(&payment).Error; err != nil {
			return fmt.Errorf("fail payment %s: %w", payment.TransactionID, err)
		}

		before := sub.Clone()
		sub.AutoRenewFailureCount++
		if sub.Valid(now) {
			sub.Status = types.SubscriptionStatusGrace
		}
		if err := s.save(tx, before, sub, change{
			reason:        types.SubscriptionChangeReasonRenewFailed,
			transactionID: payment.TransactionID,
			extra:         datatypes.JSONMap{"reason": in.Reason},
		}); err != nil {
			return err
		}
		res.FailureCount = sub.AutoRenewFailureCount
		shouldDisable = sub.AutoRenew && sub.AutoRenewFailureCount >= s.cfg.Renewal.FailureThreshold
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, userID)
	lg.Infow("renewal failure recorded", "failure_count", res.FailureCount, "reason", in.Reason)
	if !shouldDisable {
		return res, nil
	}

	err = s.runTx(ctx, "disable_auto_renew", func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, userID)
		if err != nil {
			return err
		}
		if !sub.AutoRenew {
			return nil
		}
		before := sub.Clone()
		sub.AutoRenew = false
		sub.Status = types.SubscriptionStatusExpiringSoon
		sub.AutoRenewDisabledReason = lo.ToPtr(AutoRenewDisabledReasonFailures)
		return s.save(tx, before, sub, change{
			reason:        types.SubscriptionChangeReasonAutoRenewDisabled,
			transactionID: in.TransactionID,
			extra:         datatypes.JSONMap{"failure_count": res.FailureCount},
		})
	})
	if err == nil {
		res.Disabled = true
		s.cache.Invalidate(ctx, userID)
		lg.Warnw("auto renew disabled after repeated failures", "failure_count", res.FailureCount)
		return res, nil
	}

	lg.Errorw("failed to disable auto renew, escalating", "failure_count", res.FailureCount, "error", err)
	res.Escalated = true
	tier, alertErr := s.actions.RecordAdminAction(ctx, &models.AdminAction{
		Type:           models.AdminActionTypeDisableAutoRenewFailed,
		UserID:         userID,
		SubscriptionID: subID,
		Reason:         fmt.Sprintf("auto renew should be disabled after %d failed renewals", res.FailureCount),
		Error:          err.Error(),
		Priority:       models.AdminActionPriorityHigh,
	})
	lg.Infow("admin action recorded", "type", models.AdminActionTypeDisableAutoRenewFailed, "tier", tier.String(), "tier_errors", alertErr)
	return res, nil
}

// FailPayment records a declined payment. Renewals go through
// RecordRenewalFailure; a declined checkout only marks the payment failed.
func (s *Service) FailPayment(ctx context.Context, in RenewalFailure) (*RenewalFailureResult, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Where("transaction_id = ?", in.TransactionID).Take(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, result.NewFatal(ReasonMissingCorrelation, fmt.Errorf("payment %s not found", in.TransactionID))
		}
		return nil, err
	}
	if payment.Kind == types.PaymentKindRenewal {
		return s.RecordRenewalFailure(ctx, in)
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("transaction_id = ? AND status = ?", in.TransactionID, types.PaymentStatusPending).
		Updates(map[string]any{
			"status":      types.PaymentStatusFailed,
			"failed_at":   now,
			"fail_reason": lo.EmptyableToPtr(in.Reason),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("fail payment %s: %w", in.TransactionID, res.Error)
	}
	if res.RowsAffected == 0 && payment.Status == types.PaymentStatusCompleted {
		return nil, result.NewFatal(ReasonPaymentCompleted, fmt.Errorf("%w: %s", ErrPaymentNotPending, in.TransactionID))
	}
	logctx.FromCtx(ctx, s.log).Infow("checkout payment failed", "transaction_id", in.TransactionID, "reason", in.Reason)
	return &RenewalFailureResult{}, nil
}
