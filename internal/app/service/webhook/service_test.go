package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/alerting"
	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/idempotency"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/apple"
	"github.com/fatflowers/paysync/internal/platform/apple/appletest"
	"github.com/fatflowers/paysync/internal/platform/db/dbtest"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/types"
)

const (
	cardSecret   = "whsec_card"
	appleProduct = "com.example.premium.monthly"
)

type deadLetters struct {
	mu     sync.Mutex
	events []*models.WebhookEvent
}

func (d *deadLetters) AlertDeadLetter(_ context.Context, event *models.WebhookEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

type noActions struct{}

func (noActions) RecordAdminAction(context.Context, *models.AdminAction) (alerting.Tier, error) {
	return alerting.TierNotification, nil
}

type fakeStore struct {
	info *apple.TransactionInfo
	err  error
}

func (f *fakeStore) Transaction(context.Context, string) (*apple.TransactionInfo, error) {
	return f.info, f.err
}

type harness struct {
	svc     *Service
	subs    *subscription.Service
	events  *eventlog.Service
	db      *gorm.DB
	cfg     *config.Config
	dead    *deadLetters
	chain   *appletest.Chain
	store   *fakeStore
	signing *SignedParser
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := dbtest.New(t)
	cfg := config.Default()
	cfg.Plans = []*types.Plan{
		{ID: "premium", Price: 999, Currency: "USD", PeriodDays: 30, AutoRenewable: true,
			ProviderItemIDs: map[types.PaymentProvider]string{types.PaymentProviderApple: appleProduct}},
		{ID: "basic", Price: 499, Currency: "USD", PeriodDays: 30, AutoRenewable: true},
	}
	log := zap.NewNop().Sugar()
	dead := &deadLetters{}
	events := eventlog.New(gdb, cfg, log, dead)
	refunds := refund.New(gdb, cfg, log, nil, noActions{})
	subs := subscription.New(subscription.Params{
		DB:      gdb,
		Config:  cfg,
		Log:     log,
		Guard:   idempotency.New(events, log),
		Refunds: refunds,
		Actions: noActions{},
	})

	h := &harness{subs: subs, events: events, db: gdb, cfg: cfg, dead: dead, chain: appletest.NewChain(t), store: &fakeStore{}}
	h.signing = NewSignedParser(types.PaymentProviderCard, cardSecret, 5*time.Minute)
	h.svc = NewWithParsers(events, subs, log,
		h.signing,
		NewAppleParser(cfg, apple.NewVerifierWithRoots(h.chain.Roots), h.store),
	)
	return h
}

func signedRequest(t *testing.T, eventType types.EventType, eventID string, payload map[string]any) (http.Header, []byte) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"provider":   "card",
		"event_type": eventType,
		"event_id":   eventID,
		"payload":    payload,
	})
	require.NoError(t, err)
	ts, sig := Sign(cardSecret, time.Now(), body)
	header := http.Header{}
	header.Set(HeaderTimestamp, ts)
	header.Set(HeaderSignature, sig)
	return header, body
}

func (h *harness) ingestSigned(t *testing.T, eventType types.EventType, eventID string, payload map[string]any) *IngestResult {
	t.Helper()
	header, body := signedRequest(t, eventType, eventID, payload)
	res, err := h.svc.Ingest(context.Background(), types.PaymentProviderCard, header, body, "trace-1")
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	return res
}

func (h *harness) appleBody(t *testing.T, notificationType, subtype, uuid string, tx *apple.TransactionInfo) []byte {
	t.Helper()
	signed := h.chain.Sign(t, &apple.NotificationPayload{
		NotificationType: notificationType,
		Subtype:          subtype,
		NotificationUUID: uuid,
		Data: apple.NotificationData{
			Environment:           "Sandbox",
			SignedTransactionInfo: h.chain.Sign(t, tx),
			SignedRenewalInfo:     h.chain.Sign(t, &apple.RenewalInfo{AutoRenewStatus: 1}),
		},
	})
	body, err := json.Marshal(map[string]string{"signedPayload": signed})
	require.NoError(t, err)
	return body
}

func (h *harness) load(t *testing.T, userID string) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, h.db.Where("user_id = ?", userID).Take(&sub).Error)
	return &sub
}

func TestIngest_SignedCheckoutAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payment, err := h.subs.InitiateCheckout(ctx, subscription.CheckoutRequest{UserID: "u-1", PlanID: "premium", Provider: types.PaymentProviderCard})
	require.NoError(t, err)

	payload := map[string]any{"transaction_id": payment.TransactionID, "user_id": "u-1", "amount": 999, "currency": "USD"}
	first := h.ingestSigned(t, types.EventTypePaymentSucceeded, "evt_1", payload)
	require.Equal(t, types.WebhookEventStatusCompleted, first.Outcome.Status)

	sub := h.load(t, "u-1")
	require.True(t, sub.IsSubscribed)
	require.EqualValues(t, 1, sub.Version)

	// provider redelivery
	second := h.ingestSigned(t, types.EventTypePaymentSucceeded, "evt_1", payload)
	require.Equal(t, types.WebhookEventStatusCompleted, second.Outcome.Status)
	require.NotEqual(t, first.EventID, second.EventID)
	require.EqualValues(t, 1, h.load(t, "u-1").Version)

	event, err := h.events.Get(ctx, first.EventID)
	require.NoError(t, err)
	require.Equal(t, string(types.EventTypePaymentSucceeded), event.EventType)
	require.Equal(t, payment.TransactionID, *event.TransactionID)
	require.Equal(t, "u-1", *event.UserID)
	require.Equal(t, "trace-1", event.TraceID)
}

func TestIngest_RejectsBeforeLogging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	header, body := signedRequest(t, types.EventTypePaymentSucceeded, "evt_1", map[string]any{"transaction_id": "chk_1"})

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '
	_, err := h.svc.Ingest(ctx, types.PaymentProviderCard, header, tampered, "")
	require.ErrorIs(t, err, ErrUnauthenticated)

	stale := header.Clone()
	ts, sig := Sign(cardSecret, time.Now().Add(-10*time.Minute), body)
	stale.Set(HeaderTimestamp, ts)
	stale.Set(HeaderSignature, sig)
	_, err = h.svc.Ingest(ctx, types.PaymentProviderCard, stale, body, "")
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = h.svc.Ingest(ctx, types.PaymentProviderMobileMoney, header, body, "")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = h.svc.Ingest(ctx, types.PaymentProviderApple, nil, []byte(`{}`), "")
	require.ErrorIs(t, err, ErrMalformed)

	var n int64
	require.NoError(t, h.db.Model(&models.WebhookEvent{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestIngest_FatalInputsDeadLetterImmediately(t *testing.T) {
	h := newHarness(t)

	unsupported := h.ingestSigned(t, "payout.sent", "evt_2", map[string]any{"transaction_id": "x"})
	require.Equal(t, types.WebhookEventStatusDeadLetter, unsupported.Outcome.Status)
	require.Equal(t, result.Fatal, unsupported.Outcome.Class)
	require.Equal(t, ReasonUnsupportedEvent, unsupported.Outcome.Code)

	orphan := h.ingestSigned(t, types.EventTypePaymentSucceeded, "evt_3", map[string]any{"transaction_id": "chk_unknown"})
	require.Equal(t, types.WebhookEventStatusDeadLetter, orphan.Outcome.Status)
	require.Equal(t, subscription.ReasonMissingCorrelation, orphan.Outcome.Code)

	require.Len(t, h.dead.events, 2)
}

func TestIngest_RenewalDeclineAndRefundOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payment, err := h.subs.InitiateCheckout(ctx, subscription.CheckoutRequest{UserID: "u-1", PlanID: "premium", Provider: types.PaymentProviderCard})
	require.NoError(t, err)
	h.ingestSigned(t, types.EventTypePaymentSucceeded, "evt_1", map[string]any{"transaction_id": payment.TransactionID})

	renewal, err := h.subs.StartRenewal(ctx, "u-1")
	require.NoError(t, err)
	out := h.ingestSigned(t, types.EventTypeRenewalFailed, "evt_2", map[string]any{"transaction_id": renewal.TransactionID, "reason": "card_declined"})
	require.Equal(t, types.WebhookEventStatusCompleted, out.Outcome.Status)
	sub := h.load(t, "u-1")
	require.Equal(t, 1, sub.AutoRenewFailureCount)
	require.Equal(t, types.SubscriptionStatusGrace, sub.Status)

	record, err := refund.New(h.db, h.cfg, zap.NewNop().Sugar(), nil, noActions{}).RequestRefund(ctx, &refund.RefundRequest{UserID: "u-1", TransactionID: payment.TransactionID, Amount: 999})
	require.NoError(t, err)
	out = h.ingestSigned(t, types.EventTypeRefundCompleted, "evt_3", map[string]any{"refund_id": record.ID, "provider_refund_id": "re_1"})
	require.Equal(t, types.WebhookEventStatusCompleted, out.Outcome.Status)

	sub = h.load(t, "u-1")
	require.Equal(t, types.SubscriptionStatusCancelled, sub.Status)
	require.False(t, sub.IsSubscribed)
}

func TestIngest_AppleLifecycle(t *testing.T) {
	h := newHarness(t)
	token, err := apple.AccountToken("beef")
	require.NoError(t, err)
	expires := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Millisecond).UTC()
	tx := &apple.TransactionInfo{
		TransactionID:   "2000000111",
		ProductID:       appleProduct,
		AppAccountToken: token,
		PurchaseDate:    time.Now().UnixMilli(),
		ExpiresDate:     expires.UnixMilli(),
		Price:           9990,
		Currency:        "USD",
	}
	ingest := func(body []byte) *IngestResult {
		res, err := h.svc.Ingest(context.Background(), types.PaymentProviderApple, nil, body, "")
		require.NoError(t, err)
		require.NotNil(t, res.Outcome)
		return res
	}

	res := ingest(h.appleBody(t, apple.TypeSubscribed, "INITIAL_BUY", "n-1", tx))
	require.Equal(t, types.WebhookEventStatusCompleted, res.Outcome.Status)
	sub := h.load(t, "beef")
	require.True(t, sub.IsSubscribed)
	require.Equal(t, "premium", sub.PlanID)
	require.Equal(t, types.PaymentProviderApple, sub.Provider)
	require.True(t, sub.AutoRenew)
	require.True(t, sub.SubscriptionEndDate.Equal(expires))

	res = ingest(h.appleBody(t, apple.TypeDidChangeRenewalStatus, apple.SubtypeAutoRenewDisabled, "n-2", tx))
	require.Equal(t, types.WebhookEventStatusCompleted, res.Outcome.Status)
	require.False(t, h.load(t, "beef").AutoRenew)

	res = ingest(h.appleBody(t, apple.TypeRefund, "", "n-3", tx))
	require.Equal(t, types.WebhookEventStatusCompleted, res.Outcome.Status)
	sub = h.load(t, "beef")
	require.Equal(t, types.SubscriptionStatusCancelled, sub.Status)

	var refunds []models.RefundRecord
	require.NoError(t, h.db.Where("payment_transaction_id = ?", tx.TransactionID).Find(&refunds).Error)
	require.Len(t, refunds, 1)
	require.EqualValues(t, 999, refunds[0].Amount)
	require.Equal(t, types.RefundStatusCompleted, refunds[0].Status)

	// a redelivered refund finds the same record
	res = ingest(h.appleBody(t, apple.TypeRefund, "", "n-3", tx))
	require.Equal(t, types.WebhookEventStatusCompleted, res.Outcome.Status)
	require.NoError(t, h.db.Where("payment_transaction_id = ?", tx.TransactionID).Find(&refunds).Error)
	require.Len(t, refunds, 1)
}

func TestIngest_AppleStoreConfirmation(t *testing.T) {
	h := newHarness(t)
	h.cfg.AppleIAP.VerifyWithStore = true
	token, err := apple.AccountToken("beef")
	require.NoError(t, err)
	tx := &apple.TransactionInfo{TransactionID: "2000000222", ProductID: appleProduct, AppAccountToken: token, Price: 9990}
	body := h.appleBody(t, apple.TypeSubscribed, "", "n-9", tx)

	h.store.err = errors.New("connection reset")
	res, err := h.svc.Ingest(context.Background(), types.PaymentProviderApple, nil, body, "")
	require.NoError(t, err)
	require.Equal(t, types.WebhookEventStatusFailed, res.Outcome.Status)
	require.Equal(t, ReasonStoreUnavailable, res.Outcome.Code)

	h.store.err = nil
	h.store.info = &apple.TransactionInfo{TransactionID: "2000000222", ProductID: "com.example.other", AppAccountToken: token}
	event, err := h.events.Get(context.Background(), res.EventID)
	require.NoError(t, err)
	err = h.svc.Dispatch(context.Background(), event)
	require.Equal(t, result.Fatal, result.ClassOf(err))
	require.Equal(t, ReasonStoreMismatch, result.CodeOf(err))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		class result.Class
	}{
		{subscription.ErrConflict, result.Conflict},
		{subscription.ErrPlanNotFound, result.Fatal},
		{subscription.ErrSubscriptionNotFound, result.Fatal},
		{&refund.OverRefundError{}, result.Fatal},
		{refund.ErrInvalidTransition, result.Fatal},
		{errors.New("db timeout"), result.Retryable},
		{result.NewRetryable("x", nil), result.Retryable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.class, result.ClassOf(classify(tc.err)), "%v", tc.err)
	}
	require.NoError(t, classify(nil))
}
