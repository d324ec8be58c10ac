// Package webhook verifies provider notifications, logs them and applies
// them to subscriptions and refunds.
package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/types"
)

var (
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrUnauthenticated is returned when a notification's signature does not verify.
	ErrUnauthenticated = errors.New("webhook signature rejected")
	ErrMalformed       = errors.New("malformed webhook body")
)

// Reason codes attached to classified dispatch errors.
const (
	ReasonInvalidPayload   = "invalid_payload"
	ReasonUnsupportedEvent = "unsupported_event_type"
	ReasonUnknownProvider  = "unknown_provider"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonStoreMismatch    = "store_mismatch"
	ReasonNotFound         = "not_found"
	ReasonRejected         = "rejected"
	ReasonHandlerError     = "handler_error"
)

// Envelope is a verified notification as it goes into the event log.
type Envelope struct {
	EventType       string
	ExternalEventID string
	Payload         []byte
	Metadata        map[string]any
	// UserID and TransactionID are filled when readable before parsing.
	UserID        string
	TransactionID string
}

// Parser handles one provider's wire format. Verify runs on the request
// path before anything is stored; Parse runs on every processing attempt.
type Parser interface {
	Provider() types.PaymentProvider
	Verify(ctx context.Context, header http.Header, body []byte) (*Envelope, error)
	Parse(ctx context.Context, event *models.WebhookEvent) (Event, error)
}

// Event is a normalized notification. The concrete types below are the
// only implementations.
type Event interface {
	Type() types.EventType
	Correlation() Correlation
}

type Correlation struct {
	UserID        string
	TransactionID string
}

// PaymentSucceeded completes a payment and extends the subscription.
type PaymentSucceeded struct {
	Payment subscription.PaymentEvent
}

func (e *PaymentSucceeded) Type() types.EventType {
	if e.Payment.Kind == types.PaymentKindRenewal {
		return types.EventTypeRenewalSucceeded
	}
	return types.EventTypePaymentSucceeded
}

func (e *PaymentSucceeded) Correlation() Correlation {
	return Correlation{UserID: e.Payment.UserID, TransactionID: e.Payment.TransactionID}
}

// PaymentFailed declines a pending checkout or renewal payment.
type PaymentFailed struct {
	UserID        string
	TransactionID string
	Reason        string
	Renewal       bool
}

func (e *PaymentFailed) Type() types.EventType {
	if e.Renewal {
		return types.EventTypeRenewalFailed
	}
	return types.EventTypePaymentFailed
}

func (e *PaymentFailed) Correlation() Correlation {
	return Correlation{UserID: e.UserID, TransactionID: e.TransactionID}
}

// RefundUpdate carries the processor's answer for a refund.
type RefundUpdate struct {
	UserID  string
	Outcome subscription.RefundOutcome
}

func (e *RefundUpdate) Type() types.EventType {
	if e.Outcome.Status == types.RefundStatusFailed {
		return types.EventTypeRefundFailed
	}
	return types.EventTypeRefundCompleted
}

func (e *RefundUpdate) Correlation() Correlation {
	return Correlation{UserID: e.UserID, TransactionID: e.Outcome.TransactionID}
}

// SubscriptionCancelled turns auto renew off; access runs to the period end.
type SubscriptionCancelled struct {
	UserID        string
	TransactionID string
}

func (e *SubscriptionCancelled) Type() types.EventType {
	return types.EventTypeSubscriptionCancelled
}

func (e *SubscriptionCancelled) Correlation() Correlation {
	return Correlation{UserID: e.UserID, TransactionID: e.TransactionID}
}

// Ignored is a notification that needs no action here.
type Ignored struct {
	Reason        string
	UserID        string
	TransactionID string
}

func (e *Ignored) Type() types.EventType {
	return types.EventTypeIgnored
}

func (e *Ignored) Correlation() Correlation {
	return Correlation{UserID: e.UserID, TransactionID: e.TransactionID}
}
