package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/types"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// signedEnvelope is the body gateway providers post.
type signedEnvelope struct {
	Provider  string          `json:"provider"`
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Payload   json.RawMessage `json:"payload"`
}

type signedPayload struct {
	TransactionID    string     `json:"transaction_id"`
	UserID           string     `json:"user_id"`
	PlanID           string     `json:"plan_id"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	OccurredAt       time.Time  `json:"occurred_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	AutoRenew        *bool      `json:"auto_renew"`
	RefundID         string     `json:"refund_id"`
	ProviderRefundID string     `json:"provider_refund_id"`
	Reason           string     `json:"reason"`
}

// SignedParser handles HMAC-SHA256 signed JSON envelopes. The signature is
// hex(HMAC(secret, "<timestamp>.<body>")).
type SignedParser struct {
	provider types.PaymentProvider
	secret   string
	window   time.Duration
	now      func() time.Time
}

func NewSignedParser(provider types.PaymentProvider, secret string, window time.Duration) *SignedParser {
	return &SignedParser{provider: provider, secret: secret, window: window, now: time.Now}
}

func (p *SignedParser) Provider() types.PaymentProvider { return p.provider }

func (p *SignedParser) Verify(_ context.Context, header http.Header, body []byte) (*Envelope, error) {
	if p.secret == "" {
		return nil, fmt.Errorf("%w: no secret configured for %s", ErrUnauthenticated, p.provider)
	}
	ts := strings.TrimSpace(header.Get(HeaderTimestamp))
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp", ErrUnauthenticated)
	}
	sent := time.Unix(sec, 0)
	if now := p.now(); sent.Before(now.Add(-p.window)) || sent.After(now.Add(p.window)) {
		return nil, fmt.Errorf("%w: timestamp outside window", ErrUnauthenticated)
	}
	given, err := hex.DecodeString(strings.TrimSpace(header.Get(HeaderSignature)))
	if err != nil || !hmac.Equal(given, sign(p.secret, ts, body)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}

	var env signedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Provider != string(p.provider) {
		return nil, fmt.Errorf("%w: provider %q posted to %s", ErrMalformed, env.Provider, p.provider)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("%w: event_id and event_type are required", ErrMalformed)
	}
	var data signedPayload
	_ = json.Unmarshal(env.Payload, &data)
	return &Envelope{
		EventType:       env.EventType,
		ExternalEventID: env.EventID,
		Payload:         body,
		Metadata:        map[string]any{"signed_at": sent.UTC().Format(time.RFC3339)},
		UserID:          data.UserID,
		TransactionID:   data.TransactionID,
	}, nil
}

func (p *SignedParser) Parse(_ context.Context, event *models.WebhookEvent) (Event, error) {
	var env signedEnvelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return nil, result.NewFatal(ReasonInvalidPayload, err)
	}
	var data signedPayload
	if err := json.Unmarshal(env.Payload, &data); err != nil {
		return nil, result.NewFatal(ReasonInvalidPayload, err)
	}
	missing := func(field string) error {
		return result.NewFatal(subscription.ReasonMissingCorrelation, fmt.Errorf("event %s has no %s", env.EventID, field))
	}

	switch typ := types.EventType(env.EventType); typ {
	case types.EventTypePaymentSucceeded, types.EventTypeRenewalSucceeded:
		if data.TransactionID == "" {
			return nil, missing("transaction_id")
		}
		return &PaymentSucceeded{Payment: subscription.PaymentEvent{
			TransactionID: data.TransactionID,
			UserID:        data.UserID,
			PlanID:        data.PlanID,
			Amount:        data.Amount,
			Currency:      data.Currency,
			Provider:      p.provider,
			Kind:          lo.Ternary(typ == types.EventTypeRenewalSucceeded, types.PaymentKindRenewal, types.PaymentKindCheckout),
			PaidAt:        data.OccurredAt,
			AutoRenew:     data.AutoRenew,
			ExpiresAt:     data.ExpiresAt,
		}}, nil
	case types.EventTypePaymentFailed, types.EventTypeRenewalFailed:
		if data.TransactionID == "" {
			return nil, missing("transaction_id")
		}
		return &PaymentFailed{
			UserID:        data.UserID,
			TransactionID: data.TransactionID,
			Reason:        data.Reason,
			Renewal:       typ == types.EventTypeRenewalFailed,
		}, nil
	case types.EventTypeRefundCompleted, types.EventTypeRefundFailed:
		if data.RefundID == "" && data.ProviderRefundID == "" {
			return nil, missing("refund_id")
		}
		return &RefundUpdate{UserID: data.UserID, Outcome: subscription.RefundOutcome{
			RefundID:         data.RefundID,
			ProviderRefundID: data.ProviderRefundID,
			Status:           lo.Ternary(typ == types.EventTypeRefundFailed, types.RefundStatusFailed, types.RefundStatusCompleted),
			Error:            data.Reason,
			TransactionID:    data.TransactionID,
			Amount:           data.Amount,
		}}, nil
	case types.EventTypeSubscriptionCancelled:
		if data.UserID == "" {
			return nil, missing("user_id")
		}
		return &SubscriptionCancelled{UserID: data.UserID, TransactionID: data.TransactionID}, nil
	default:
		return nil, result.NewFatal(ReasonUnsupportedEvent, fmt.Errorf("event type %q", env.EventType))
	}
}

func sign(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the X-Webhook-Signature value for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return timestamp, hex.EncodeToString(sign(secret, timestamp, body))
}
