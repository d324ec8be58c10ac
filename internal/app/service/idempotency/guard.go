// Package idempotency decides whether a successful-payment event still has an
// effect to apply.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/types"
)

type Decision string

const (
	// Apply runs the full effect: complete the payment and activate.
	Apply Decision = "apply"
	// ActivateOnly means the payment already completed but the subscription
	// never picked it up; only the activation half runs.
	ActivateOnly Decision = "activate_only"
	// Skip means both halves are already committed, or the payment was
	// applied once and a later payment has since replaced it.
	Skip Decision = "skip"
)

type DecideInput struct {
	TransactionID string
	UserID        string
	// EventID, Provider and ExternalEventID identify the delivery for
	// duplicate detection. All optional.
	EventID         string
	Provider        string
	ExternalEventID string
}

// Verdict carries the decision and the rows it was based on. Rows are locked
// until tx ends, so callers may mutate and save them.
type Verdict struct {
	Decision          Decision
	Payment           *models.Payment
	Subscription      *models.Subscription
	DuplicateDelivery bool
	// Superseded is set when the payment was applied before and the
	// subscription has moved on to another payment or state since.
	Superseded bool
}

type Guard struct {
	events *eventlog.Service
	log    *zap.SugaredLogger
}

func New(events *eventlog.Service, log *zap.SugaredLogger) *Guard {
	return &Guard{events: events, log: log}
}

// Decide checks both halves of a payment's effect inside tx: the payment is
// completed, and the subscription points at it and is subscribed. Only when
// both hold is the event a no-op.
func (g *Guard) Decide(ctx context.Context, tx *gorm.DB, in DecideInput) (*Verdict, error) {
	if in.TransactionID == "" {
		return nil, errors.New("transaction id is required")
	}
	v := &Verdict{Decision: Apply}

	var payment models.Payment
	err := db.ForUpdate(tx).Where("transaction_id = ?", in.TransactionID).Take(&payment).Error
	switch {
	case err == nil:
		v.Payment = &payment
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("load payment %s: %w", in.TransactionID, err)
	}

	userID := in.UserID
	if userID == "" && v.Payment != nil {
		userID = v.Payment.UserID
	}
	if userID != "" {
		var sub models.Subscription
		err = db.ForUpdate(tx).Where("user_id = ?", userID).Take(&sub).Error
		switch {
		case err == nil:
			v.Subscription = &sub
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return nil, fmt.Errorf("load subscription for %s: %w", userID, err)
		}
	}

	if in.Provider != "" && in.ExternalEventID != "" {
		dup, err := g.events.HasCompletedDuplicate(ctx, tx, in.Provider, in.ExternalEventID, in.EventID)
		if err != nil {
			return nil, fmt.Errorf("check duplicate delivery: %w", err)
		}
		v.DuplicateDelivery = dup
	}

	paymentDone := v.Payment.IsCompleted()
	subscriptionDone := v.Subscription != nil &&
		v.Subscription.TransactionID == in.TransactionID &&
		v.Subscription.IsSubscribed

	switch {
	case paymentDone && subscriptionDone:
		v.Decision = Skip
	case paymentDone:
		applied, err := activationLogged(tx, in.TransactionID)
		if err != nil {
			return nil, err
		}
		v.Superseded = applied
		v.Decision = lo.Ternary(applied, Skip, ActivateOnly)
	}

	lg := logctx.FromCtx(ctx, g.log)
	if v.DuplicateDelivery {
		metrics.ObserveWebhookEvent(in.Provider, "duplicate_delivery")
	}
	if v.Decision != Apply {
		lg.Infow("idempotency guard", "transaction_id", in.TransactionID, "decision", v.Decision,
			"duplicate_delivery", v.DuplicateDelivery, "superseded", v.Superseded)
	}
	if v.Decision == ActivateOnly {
		lg.Warnw("payment completed without activation, repairing", "transaction_id", in.TransactionID, "user_id", userID)
	}
	return v, nil
}

// activationLogged reports whether the subscription log already holds an
// activation for transactionID. The log row commits with the activation.
func activationLogged(tx *gorm.DB, transactionID string) (bool, error) {
	var n int64
	err := tx.Model(&models.SubscriptionLog{}).
		Where("transaction_id = ? AND reason IN ?", transactionID, types.ActivationReasons).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check activation log for %s: %w", transactionID, err)
	}
	return n > 0, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
