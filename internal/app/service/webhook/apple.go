package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/apple"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/types"
)

type appleBody struct {
	SignedPayload string `json:"signedPayload"`
}

// TransactionSource returns the App Store's current view of a transaction.
type TransactionSource interface {
	Transaction(ctx context.Context, transactionID string) (*apple.TransactionInfo, error)
}

// AppleParser handles App Store Server Notifications V2.
type AppleParser struct {
	cfg      *config.Config
	verifier *apple.Verifier
	store    TransactionSource
}

func NewAppleParser(cfg *config.Config, verifier *apple.Verifier, store TransactionSource) *AppleParser {
	return &AppleParser{cfg: cfg, verifier: verifier, store: store}
}

func (p *AppleParser) Provider() types.PaymentProvider { return types.PaymentProviderApple }

func (p *AppleParser) decode(body []byte) (*apple.Notification, error) {
	var b appleBody
	if err := json.Unmarshal(body, &b); err != nil || b.SignedPayload == "" {
		return nil, fmt.Errorf("%w: signedPayload is required", ErrMalformed)
	}
	n, err := p.verifier.DecodeNotification(b.SignedPayload)
	if err != nil {
		if errors.Is(err, apple.ErrMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return n, nil
}

func (p *AppleParser) Verify(_ context.Context, _ http.Header, body []byte) (*Envelope, error) {
	n, err := p.decode(body)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		EventType:       notificationType(n),
		ExternalEventID: n.Payload.NotificationUUID,
		Payload:         body,
		Metadata: map[string]any{
			"environment": n.Payload.Data.Environment,
			"bundle_id":   n.Payload.Data.BundleID,
		},
	}
	if tx := n.Transaction; tx != nil {
		env.TransactionID = tx.TransactionID
		env.UserID, _ = apple.UserIDFromAccountToken(tx.AppAccountToken)
	}
	return env, nil
}

func (p *AppleParser) Parse(ctx context.Context, event *models.WebhookEvent) (Event, error) {
	n, err := p.decode(event.Payload)
	if err != nil {
		return nil, result.NewFatal(ReasonInvalidPayload, err)
	}
	payload := n.Payload
	if n.IsTest() || n.Transaction == nil {
		return &Ignored{Reason: notificationType(n)}, nil
	}
	if bundle := p.cfg.AppleIAP.BundleID; bundle != "" && payload.Data.BundleID != "" && payload.Data.BundleID != bundle {
		return nil, result.NewFatal(ReasonInvalidPayload, fmt.Errorf("bundle %s is not %s", payload.Data.BundleID, bundle))
	}

	tx := n.Transaction
	if p.cfg.AppleIAP.VerifyWithStore {
		if tx, err = p.confirm(ctx, tx); err != nil {
			return nil, err
		}
	}
	userID, err := apple.UserIDFromAccountToken(tx.AppAccountToken)
	if err != nil {
		return nil, result.NewFatal(subscription.ReasonMissingCorrelation, err)
	}

	switch payload.NotificationType {
	case apple.TypeSubscribed, apple.TypeDidRenew, apple.TypeOneTimeCharge:
		plan, err := p.cfg.GetPlanByProviderItemID(types.PaymentProviderApple, tx.ProductID)
		if err != nil {
			return nil, result.NewFatal(subscription.ReasonUnknownPlan, err)
		}
		ev := subscription.PaymentEvent{
			TransactionID: tx.TransactionID,
			UserID:        userID,
			PlanID:        plan.ID,
			Amount:        tx.AmountMinor(),
			Currency:      tx.Currency,
			Provider:      types.PaymentProviderApple,
			Kind:          lo.Ternary(payload.NotificationType == apple.TypeDidRenew, types.PaymentKindRenewal, types.PaymentKindCheckout),
			PaidAt:        lo.FromPtr(apple.MillisToTime(tx.PurchaseDate)),
			ExpiresAt:     apple.MillisToTime(tx.ExpiresDate),
		}
		if n.Renewal != nil {
			ev.AutoRenew = lo.ToPtr(n.Renewal.AutoRenewOn())
		}
		return &PaymentSucceeded{Payment: ev}, nil
	case apple.TypeDidChangeRenewalStatus:
		if payload.Subtype == apple.SubtypeAutoRenewDisabled {
			return &SubscriptionCancelled{UserID: userID, TransactionID: tx.TransactionID}, nil
		}
	case apple.TypeRefund:
		return &RefundUpdate{UserID: userID, Outcome: subscription.RefundOutcome{
			ProviderRefundID: "apple_" + payload.NotificationUUID,
			Status:           types.RefundStatusCompleted,
			TransactionID:    tx.TransactionID,
		}}, nil
	}
	return &Ignored{Reason: notificationType(n), UserID: userID, TransactionID: tx.TransactionID}, nil
}

// confirm replaces the notification's transaction with the App Store's
// current copy.
func (p *AppleParser) confirm(ctx context.Context, tx *apple.TransactionInfo) (*apple.TransactionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	current, err := p.store.Transaction(ctx, tx.TransactionID)
	if err != nil {
		return nil, result.NewRetryable(ReasonStoreUnavailable, err)
	}
	if current.TransactionID != tx.TransactionID || current.ProductID != tx.ProductID {
		return nil, result.NewFatal(ReasonStoreMismatch,
			fmt.Errorf("store reports %s/%s for %s/%s", current.TransactionID, current.ProductID, tx.TransactionID, tx.ProductID))
	}
	return current, nil
}

func notificationType(n *apple.Notification) string {
	if n.Payload.Subtype == "" {
		return n.Payload.NotificationType
	}
	return n.Payload.NotificationType + "/" + n.Payload.Subtype
}
