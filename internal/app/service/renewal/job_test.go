package renewal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/alerting"
	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/idempotency"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db/dbtest"
	"github.com/fatflowers/paysync/internal/platform/gateway"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/types"
)

type fakeCharger struct {
	mu    sync.Mutex
	err   error
	calls []*gateway.ChargeRequest
}

func (f *fakeCharger) Charge(_ context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.ChargeResponse{TransactionID: req.TransactionID, Status: "pending"}, nil
}

type nopRecorder struct{}

func (nopRecorder) RecordAdminAction(context.Context, *models.AdminAction) (alerting.Tier, error) {
	return alerting.TierNotification, nil
}

type fixture struct {
	job     *Job
	subs    *subscription.Service
	db      *gorm.DB
	charger *fakeCharger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.New(t)
	cfg := config.Default()
	cfg.Plans = []*types.Plan{
		{ID: "premium", Price: 999, Currency: "USD", PeriodDays: 30, AutoRenewable: true},
		{ID: "basic", Price: 499, Currency: "USD", PeriodDays: 30, AutoRenewable: true},
	}
	log := zap.NewNop().Sugar()
	refunds := refund.New(gdb, cfg, log, nil, nopRecorder{})
	subs := subscription.New(subscription.Params{
		DB:      gdb,
		Config:  cfg,
		Log:     log,
		Guard:   idempotency.New(eventlog.New(gdb, cfg, log, nil), log),
		Refunds: refunds,
		Actions: nopRecorder{},
	})
	charger := &fakeCharger{}
	return &fixture{job: New(gdb, cfg, log, subs, charger), subs: subs, db: gdb, charger: charger}
}

func (f *fixture) subscribe(t *testing.T, userID string, provider types.PaymentProvider, endsIn time.Duration, autoRenew bool) {
	t.Helper()
	expires := time.Now().UTC().Add(endsIn)
	_, err := f.subs.ApplyPayment(context.Background(), subscription.PaymentEvent{
		TransactionID: "txn-" + userID,
		UserID:        userID,
		PlanID:        "premium",
		Provider:      provider,
		ExpiresAt:     &expires,
		AutoRenew:     lo.ToPtr(autoRenew),
	})
	require.NoError(t, err)
}

func (f *fixture) load(t *testing.T, userID string) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.db.Where("user_id = ?", userID).Take(&sub).Error)
	return &sub
}

func TestRun_ChargesOnlyDueCandidates(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "due", types.PaymentProviderCard, time.Hour, true)
	f.subscribe(t, "later", types.PaymentProviderCard, 10*24*time.Hour, true)
	f.subscribe(t, "apple", types.PaymentProviderApple, time.Hour, true)
	f.subscribe(t, "manual", types.PaymentProviderMobileMoney, time.Hour, false)

	report, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Candidates)
	require.Equal(t, 1, report.Charged)
	require.Len(t, f.charger.calls, 1)
	call := f.charger.calls[0]
	require.Equal(t, "due", call.UserID)
	require.EqualValues(t, 999, call.Amount)

	var payment models.Payment
	require.NoError(t, f.db.Where("transaction_id = ?", call.TransactionID).Take(&payment).Error)
	require.Equal(t, types.PaymentStatusPending, payment.Status)
	require.Equal(t, types.PaymentKindRenewal, payment.Kind)

	// A second run resubmits the same pending payment.
	_, err = f.job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.charger.calls, 2)
	require.Equal(t, call.TransactionID, f.charger.calls[1].TransactionID)
}

func TestRun_ScheduledDowngradeBillsNextPeriodOnNewPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "u-1", types.PaymentProviderCard, 12*time.Hour, true)
	scheduled, err := f.subs.RequestDowngrade(ctx, subscription.DowngradeRequest{UserID: "u-1", NewPlanID: "basic"})
	require.NoError(t, err)
	require.True(t, scheduled.Scheduled)
	periodEnd := *scheduled.Subscription.SubscriptionEndDate

	report, err := f.job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Charged)
	call := f.charger.calls[0]
	require.Equal(t, "basic", call.PlanID)
	require.EqualValues(t, 499, call.Amount)

	res, err := f.subs.ApplyPayment(ctx, subscription.PaymentEvent{TransactionID: call.TransactionID})
	require.NoError(t, err)
	require.True(t, res.DowngradeApplied)

	sub := f.load(t, "u-1")
	require.Equal(t, "basic", sub.PlanID)
	require.EqualValues(t, 499, sub.PlanPrice)
	require.False(t, sub.HasPendingDowngrade())
	require.True(t, sub.SubscriptionEndDate.Equal(periodEnd.AddDate(0, 0, 30)))
}

func TestRun_DeclinesDisableAutoRenewAtThreshold(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "u-1", types.PaymentProviderCard, time.Hour, true)
	f.charger.err = &gateway.StatusError{StatusCode: 402, Body: "card_declined"}

	for i := 1; i <= 3; i++ {
		report, err := f.job.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Declined)
		require.Equal(t, i, f.load(t, "u-1").AutoRenewFailureCount)
		require.Equal(t, i == 3, report.Disabled == 1)
	}

	sub := f.load(t, "u-1")
	require.False(t, sub.AutoRenew)
	require.Equal(t, types.SubscriptionStatusExpiringSoon, sub.Status)

	report, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Candidates)
}

func TestRun_TransientErrorsLeavePaymentPending(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "u-1", types.PaymentProviderCard, time.Hour, true)
	f.charger.err = &gateway.StatusError{StatusCode: 503, Body: "unavailable"}

	report, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)
	require.Zero(t, f.load(t, "u-1").AutoRenewFailureCount)

	var pending int64
	require.NoError(t, f.db.Model(&models.Payment{}).Where("user_id = ? AND status = ?", "u-1", types.PaymentStatusPending).Count(&pending).Error)
	require.EqualValues(t, 1, pending)
}

func TestRun_StopsWhenGatewayNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "u-1", types.PaymentProviderCard, time.Hour, true)
	f.subscribe(t, "u-2", types.PaymentProviderCard, time.Hour, true)
	f.charger.err = gateway.ErrNotConfigured

	report, err := f.job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Candidates)
	require.Len(t, f.charger.calls, 1)
}
