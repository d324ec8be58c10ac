package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/idempotency"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/tool"
	"github.com/fatflowers/paysync/pkg/types"
)

// PaymentEvent is a successful payment reported by a provider or granted internally.
type PaymentEvent struct {
	TransactionID string
	// UserID and PlanID are required when the payment was not initiated here,
	// e.g. App Store purchases.
	UserID   string
	PlanID   string
	Amount   int64
	Currency string
	Provider types.PaymentProvider
	Kind     types.PaymentKind
	PaidAt   time.Time

	EventID         string
	ExternalEventID string

	// AutoRenew overrides the renewal flag, when the provider reports it.
	AutoRenew *bool
	// ExpiresAt overrides the computed period end, when the provider reports it.
	ExpiresAt *time.Time
	// OperatorID is set for internal grants.
	OperatorID string
}

type ApplyResult struct {
	Decision         idempotency.Decision
	Subscription     *models.Subscription
	DowngradeApplied bool
}

// ApplyPayment completes the payment and extends the subscription in one
// transaction. Replays of an applied payment change nothing.
func (s *Service) ApplyPayment(ctx context.Context, ev PaymentEvent) (*ApplyResult, error) {
	if ev.TransactionID == "" {
		return nil, result.NewFatal(ReasonMissingCorrelation, errors.New("transaction id is required"))
	}
	lg := logctx.FromCtx(ctx, s.log).With("transaction_id", ev.TransactionID)

	var res *ApplyResult
	err := s.runTx(ctx, "apply_payment", func(tx *gorm.DB) error {
		res = nil
		verdict, err := s.guard.Decide(ctx, tx, idempotency.DecideInput{
			TransactionID:   ev.TransactionID,
			UserID:          ev.UserID,
			EventID:         ev.EventID,
			Provider:        string(ev.Provider),
			ExternalEventID: ev.ExternalEventID,
		})
		if err != nil {
			return err
		}
		if verdict.Decision == idempotency.Skip {
			res = &ApplyResult{Decision: verdict.Decision, Subscription: verdict.Subscription}
			return nil
		}

		payment, err := s.completePayment(tx, verdict, ev)
		if err != nil {
			return err
		}
		if verdict.Subscription != nil && verdict.Subscription.UserID != payment.UserID {
			return result.NewFatal("owner_mismatch", fmt.Errorf("payment %s belongs to %s", payment.TransactionID, payment.UserID))
		}

		sub, downgraded, err := s.activate(tx, verdict.Subscription, payment, ev)
		if err != nil {
			return err
		}
		res = &ApplyResult{Decision: verdict.Decision, Subscription: sub, DowngradeApplied: downgraded}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Decision != idempotency.Skip {
		s.cache.Invalidate(ctx, res.Subscription.UserID)
		lg.Infow("payment applied",
			"user_id", res.Subscription.UserID,
			"decision", res.Decision,
			"plan_id", res.Subscription.PlanID,
			"end_date", res.Subscription.SubscriptionEndDate,
			"downgrade_applied", res.DowngradeApplied)
	}
	return res, nil
}

// completePayment moves a pending payment to completed, or creates a
// completed one for payments initiated outside this service.
func (s *Service) completePayment(tx *gorm.DB, verdict *idempotency.Verdict, ev PaymentEvent) (*models.Payment, error) {
	paidAt := lo.Ternary(ev.PaidAt.IsZero(), s.now(), ev.PaidAt.UTC())
	payment := verdict.Payment

	if payment == nil {
		if ev.UserID == "" || ev.PlanID == "" {
			return nil, result.NewFatal(ReasonMissingCorrelation, fmt.Errorf("unknown payment %s without user or plan", ev.TransactionID))
		}
		plan := s.cfg.GetPlanByID(ev.PlanID)
		if plan == nil {
			return nil, result.NewFatal(ReasonUnknownPlan, fmt.Errorf("%w: %s", ErrPlanNotFound, ev.PlanID))
		}
		payment = &models.Payment{
			ID:            tool.GenerateUUIDV7(),
			TransactionID: ev.TransactionID,
			UserID:        ev.UserID,
			Provider:      ev.Provider,
			PlanID:        plan.ID,
			Kind:          lo.Ternary(ev.Kind == "", types.PaymentKindCheckout, ev.Kind),
			Amount:        lo.Ternary(ev.Amount > 0, ev.Amount, plan.Price),
			Currency:      lo.Ternary(ev.Currency != "", ev.Currency, plan.Currency),
			Status:        types.PaymentStatusCompleted,
			CompletedAt:   &paidAt,
		}
		if ev.OperatorID != "" {
			payment.Amount = 0
		}
		if err := db.CreateOrConflict(tx, payment); err != nil {
			return nil, fmt.Errorf("create payment %s: %w", ev.TransactionID, err)
		}
		return payment, nil
	}

	switch payment.Status {
	case types.PaymentStatusFailed:
		return nil, result.NewFatal(ReasonPaymentFailed, fmt.Errorf("payment %s already failed", payment.TransactionID))
	case types.PaymentStatusPending:
		payment.Status = types.PaymentStatusCompleted
		payment.CompletedAt = &paidAt
		if err := tx.Model(payment).Select("status", "completed_at", "updated_at").Updates(payment).Error; err != nil {
			return nil, fmt.Errorf("complete payment %s: %w", payment.TransactionID, err)
		}
	}
	return payment, nil
}

// activate extends or creates the subscription for a completed payment.
func (s *Service) activate(tx *gorm.DB, current *models.Subscription, payment *models.Payment, ev PaymentEvent) (*models.Subscription, bool, error) {
	now := s.now()
	before := current.Clone()
	sub := current
	if sub == nil {
		sub = &models.Subscription{UserID: payment.UserID}
	}

	var plan *types.Plan
	downgraded := false
	// App Store renewals carry their own product; downgrades there are the store's business.
	if payment.Kind == types.PaymentKindRenewal && before != nil && payment.Provider != types.PaymentProviderApple {
		price, err := s.PriceRenewal(sub, now)
		if err != nil {
			return nil, false, result.NewFatal(ReasonUnknownPlan, err)
		}
		plan, downgraded = price.Plan, price.Downgrade
	} else {
		plan = s.cfg.GetPlanByID(payment.PlanID)
		if plan == nil {
			return nil, false, result.NewFatal(ReasonUnknownPlan, fmt.Errorf("%w: %s", ErrPlanNotFound, payment.PlanID))
		}
	}

	reason := types.SubscriptionChangeReasonPurchase
	switch {
	case downgraded:
		reason = types.SubscriptionChangeReasonDowngrade
	case payment.Kind == types.PaymentKindRenewal:
		reason = types.SubscriptionChangeReasonRenewal
	}
	if downgraded || payment.Kind == types.PaymentKindCheckout {
		sub.ClearPendingDowngrade()
	}

	end := nextPeriodStart(sub, now).AddDate(0, 0, plan.PeriodDays)
	if ev.ExpiresAt != nil {
		end = ev.ExpiresAt.UTC()
	}

	applyPlan(sub, plan)
	sub.Provider = payment.Provider
	sub.Currency = payment.Currency
	sub.Status = types.SubscriptionStatusActive
	sub.IsSubscribed = true
	sub.SubscriptionEndDate = &end
	sub.LastPaymentDate = payment.CompletedAt
	sub.LastPaymentAmount = payment.Amount
	sub.TransactionID = payment.TransactionID
	sub.AutoRenewFailureCount = 0
	sub.AutoRenewDisabledReason = nil
	switch {
	case ev.AutoRenew != nil:
		sub.AutoRenew = *ev.AutoRenew
	case before == nil || payment.Kind == types.PaymentKindCheckout:
		sub.AutoRenew = plan.AutoRenewable
	}
	if payment.Provider == types.PaymentProviderInner {
		sub.AutoRenew = false
	}

	extra := datatypes.JSONMap{"event_id": ev.EventID, "provider": string(payment.Provider)}
	if ev.OperatorID != "" {
		extra["operator_id"] = ev.OperatorID
	}
	if err := s.save(tx, before, sub, change{reason: reason, transactionID: payment.TransactionID, extra: extra}); err != nil {
		return nil, false, err
	}
	return sub, downgraded, nil
}

type RenewalPrice struct {
	Plan      *types.Plan
	Amount    int64
	Currency  string
	Downgrade bool
}

// PriceRenewal returns the plan the next period is billed on. A pending
// downgrade effective by the start of that period wins over the current plan,
// so a renewal charged ahead of the period end already bills the new plan.
func (s *Service) PriceRenewal(sub *models.Subscription, now time.Time) (*RenewalPrice, error) {
	if sub.HasPendingDowngrade() && !sub.PendingDowngradeEffectiveDate.After(nextPeriodStart(sub, now)) {
		plan := s.cfg.GetPlanByID(*sub.PendingDowngradePlanID)
		if plan == nil {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, *sub.PendingDowngradePlanID)
		}
		return &RenewalPrice{Plan: plan, Amount: plan.Price, Currency: plan.Currency, Downgrade: true}, nil
	}
	plan := s.cfg.GetPlanByID(sub.PlanID)
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, sub.PlanID)
	}
	return &RenewalPrice{Plan: plan, Amount: plan.Price, Currency: plan.Currency}, nil
}

// nextPeriodStart is where a period paid now begins: the current end date
// while the subscription is still running, otherwise now.
func nextPeriodStart(sub *models.Subscription, now time.Time) time.Time {
	if sub.IsSubscribed && sub.SubscriptionEndDate != nil && sub.SubscriptionEndDate.After(now) {
		return *sub.SubscriptionEndDate
	}
	return now
}

// StartRenewal creates the pending renewal payment for userID, or returns the
// one already waiting for a gateway answer.
func (s *Service) StartRenewal(ctx context.Context, userID string) (*models.Payment, error) {
	var payment *models.Payment
	err := s.runTx(ctx, "start_renewal", func(tx *gorm.DB) error {
		payment = nil
		sub, err := lockSubscription(tx, userID)
		if err != nil {
			return err
		}
		if !sub.AutoRenew {
			return ErrAutoRenewOff
		}

		var existing models.Payment
		err = tx.Where("user_id = ? AND kind = ? AND status = ?", userID, types.PaymentKindRenewal, types.PaymentStatusPending).
			Order("created_at DESC").Take(&existing).Error
		switch {
		case err == nil:
			payment = &existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load pending renewal for %s: %w", userID, err)
		}

		price, err := s.PriceRenewal(sub, s.now())
		if err != nil {
			return err
		}
		payment = &models.Payment{
			ID:            tool.GenerateUUIDV7(),
			TransactionID: tool.TransactionID("renew"),
			UserID:        userID,
			Provider:      sub.Provider,
			PlanID:        price.Plan.ID,
			Kind:          types.PaymentKindRenewal,
			Amount:        price.Amount,
			Currency:      price.Currency,
			Status:        types.PaymentStatusPending,
		}
		return tx.Create(payment).Error
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

type CheckoutRequest struct {
	UserID   string                `json:"user_id" binding:"required"`
	PlanID   string                `json:"plan_id" binding:"required"`
	Provider types.PaymentProvider `json:"provider" binding:"required"`
}

// InitiateCheckout records the pending payment a provider webhook will later complete.
func (s *Service) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*models.Payment, error) {
	plan := s.cfg.GetPlanByID(req.PlanID)
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, req.PlanID)
	}
	payment := &models.Payment{
		ID:            tool.GenerateUUIDV7(),
		TransactionID: tool.TransactionID("chk"),
		UserID:        req.UserID,
		Provider:      req.Provider,
		PlanID:        plan.ID,
		Kind:          types.PaymentKindCheckout,
		Amount:        plan.Price,
		Currency:      plan.Currency,
		Status:        types.PaymentStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		return nil, fmt.Errorf("create checkout payment: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infow("checkout initiated", "user_id", req.UserID, "plan_id", plan.ID, "transaction_id", payment.TransactionID)
	return payment, nil
}

// SendFreeGift grants a plan period through the inner provider.
func (s *Service) SendFreeGift(ctx context.Context, userID, planID, operatorID string) (*ApplyResult, error) {
	if userID == "" || planID == "" {
		return nil, fmt.Errorf("invalid params: userID and planID required")
	}
	plan := s.cfg.GetPlanByID(planID)
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return s.ApplyPayment(ctx, PaymentEvent{
		TransactionID: tool.TransactionID("gift"),
		UserID:        userID,
		PlanID:        plan.ID,
		Currency:      plan.Currency,
		Provider:      types.PaymentProviderInner,
		Kind:          types.PaymentKindCheckout,
		PaidAt:        s.now(),
		AutoRenew:     lo.ToPtr(false),
		OperatorID:    operatorID,
	})
}
