package refund

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/alerting"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db/dbtest"
	"github.com/fatflowers/paysync/internal/platform/gateway"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/types"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []*gateway.RefundRequest
}

func (f *fakeSubmitter) SubmitRefund(_ context.Context, req *gateway.RefundRequest) (*gateway.RefundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.RefundResponse{ProviderRefundID: "re_" + req.RefundID, Status: "processing"}, nil
}

type fakeRecorder struct {
	actions []*models.AdminAction
	err     error
}

func (f *fakeRecorder) RecordAdminAction(_ context.Context, a *models.AdminAction) (alerting.Tier, error) {
	f.actions = append(f.actions, a)
	if f.err != nil {
		return alerting.TierCritical, f.err
	}
	return alerting.TierNotification, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeSubmitter, *fakeRecorder) {
	t.Helper()
	gdb := dbtest.New(t)
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	return New(gdb, config.Default(), zap.NewNop().Sugar(), sub, rec), gdb, sub, rec
}

func seedPayment(t *testing.T, gdb *gorm.DB, txnID string, amount int64, status types.PaymentStatus) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.Payment{
		ID: "p-" + txnID, TransactionID: txnID, UserID: "u-1", Provider: types.PaymentProviderCard,
		PlanID: "basic", Kind: types.PaymentKindCheckout, Amount: amount, Currency: "USD", Status: status,
	}).Error)
}

func TestRequestRefund_ConcurrentRequestsCannotOverRefund(t *testing.T) {
	svc, gdb, _, _ := newTestService(t)
	seedPayment(t, gdb, "txn-499", 499, types.PaymentStatusCompleted)

	var wg sync.WaitGroup
	results := make([]error, 2)
	records := make([]*models.RefundRecord, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], results[i] = svc.RequestRefund(context.Background(), &RefundRequest{UserID: "u-1", TransactionID: "txn-499", Amount: 499, Reason: "duplicate charge"})
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for i, err := range results {
		if err == nil {
			succeeded++
			require.Equal(t, types.RefundStatusPending, records[i].Status)
			continue
		}
		var over *OverRefundError
		require.True(t, errors.As(err, &over), "unexpected error: %v", err)
		require.Equal(t, int64(0), over.Remaining())
		rejected++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	var count int64
	require.NoError(t, gdb.Model(&models.RefundRecord{}).Where("payment_transaction_id = ?", "txn-499").Count(&count).Error)
	require.Equal(t, int64(1), count)

	balance, err := svc.RefundableBalance(context.Background(), "txn-499")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestRequestRefund_PartialRefunds(t *testing.T) {
	svc, gdb, _, _ := newTestService(t)
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 1000, types.PaymentStatusCompleted)

	_, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 600})
	require.NoError(t, err)
	_, err = svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 401})
	var over *OverRefundError
	require.ErrorAs(t, err, &over)
	require.Equal(t, int64(400), over.Remaining())

	_, err = svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 400})
	require.NoError(t, err)
}

func TestRequestRefund_FailedRefundsReleaseBalance(t *testing.T) {
	svc, gdb, _, _ := newTestService(t)
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 499, types.PaymentStatusCompleted)

	first, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 499})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, &StatusUpdate{RefundID: first.ID, Status: types.RefundStatusFailed, Error: "card closed"})
	require.NoError(t, err)

	balance, err := svc.RefundableBalance(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, int64(499), balance)

	_, err = svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 499})
	require.NoError(t, err)
}

func TestRequestRefund_Validation(t *testing.T) {
	svc, gdb, _, _ := newTestService(t)
	ctx := context.Background()
	seedPayment(t, gdb, "txn-pending", 499, types.PaymentStatusPending)
	seedPayment(t, gdb, "txn-ok", 499, types.PaymentStatusCompleted)

	_, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-ok", Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "missing", Amount: 1})
	require.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-pending", Amount: 1})
	require.ErrorIs(t, err, ErrPaymentNotCompleted)
	_, err = svc.RequestRefund(ctx, &RefundRequest{TransactionID: "txn-ok", UserID: "someone-else", Amount: 1})
	require.ErrorIs(t, err, ErrPaymentOwner)
	_, err = svc.RequestRefund(ctx, &RefundRequest{TransactionID: "txn-ok", Amount: 1})
	require.ErrorIs(t, err, ErrUserRequired)

	var count int64
	require.NoError(t, gdb.Model(&models.RefundRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUpdateStatus_Transitions(t *testing.T) {
	svc, gdb, _, _ := newTestService(t)
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 499, types.PaymentStatusCompleted)
	record, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 100})
	require.NoError(t, err)

	got, err := svc.UpdateStatus(ctx, &StatusUpdate{RefundID: record.ID, Status: types.RefundStatusProcessing, ProviderRefundID: "re_1"})
	require.NoError(t, err)
	require.Equal(t, "re_1", *got.ProviderRefundID)

	got, err = svc.UpdateStatus(ctx, &StatusUpdate{ProviderRefundID: "re_1", Status: types.RefundStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, types.RefundStatusCompleted, got.Status)

	_, err = svc.UpdateStatus(ctx, &StatusUpdate{RefundID: record.ID, Status: types.RefundStatusCompleted})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, &StatusUpdate{RefundID: record.ID, Status: types.RefundStatusPending})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateStatus(ctx, &StatusUpdate{RefundID: "nope", Status: types.RefundStatusFailed})
	require.ErrorIs(t, err, ErrRefundNotFound)
}

func TestDispatchPending(t *testing.T) {
	svc, gdb, submitter, recorder := newTestService(t)
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 499, types.PaymentStatusCompleted)
	record, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 499})
	require.NoError(t, err)

	n, err := svc.DispatchPending(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, submitter.calls, 1)

	var got models.RefundRecord
	require.NoError(t, gdb.First(&got, "id = ?", record.ID).Error)
	require.Equal(t, types.RefundStatusProcessing, got.Status)
	require.Equal(t, "re_"+record.ID, *got.ProviderRefundID)
	require.Empty(t, recorder.actions)
}

func TestDispatchPending_FailsAfterMaxRetries(t *testing.T) {
	svc, gdb, submitter, recorder := newTestService(t)
	svc.cfg.Refund.MaxRetries = 2
	submitter.err = &gateway.StatusError{StatusCode: 502}
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 499, types.PaymentStatusCompleted)
	record, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 499})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.DispatchPending(ctx, 50)
		require.NoError(t, err)
	}
	require.Len(t, submitter.calls, 2)

	var got models.RefundRecord
	require.NoError(t, gdb.First(&got, "id = ?", record.ID).Error)
	require.Equal(t, types.RefundStatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Len(t, recorder.actions, 1)
	require.Equal(t, models.AdminActionTypeRefundDispatchFailed, recorder.actions[0].Type)
}

func TestDispatchPending_LogsEscalationTier(t *testing.T) {
	svc, gdb, submitter, recorder := newTestService(t)
	core, logs := observer.New(zap.InfoLevel)
	svc.log = zap.New(core).Sugar()
	svc.cfg.Refund.MaxRetries = 1
	submitter.err = &gateway.StatusError{StatusCode: 502}
	recorder.err = errors.New("notifier down")
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 499, types.PaymentStatusCompleted)
	_, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 499})
	require.NoError(t, err)

	_, err = svc.DispatchPending(ctx, 50)
	require.NoError(t, err)

	recorded := logs.FilterMessage("admin action recorded").All()
	require.Len(t, recorded, 1)
	fields := recorded[0].ContextMap()
	require.Equal(t, "critical", fields["tier"])
	require.Contains(t, fields["tier_errors"], "notifier down")
}

func TestDispatchPending_GatewayNotConfigured(t *testing.T) {
	svc, gdb, submitter, _ := newTestService(t)
	submitter.err = gateway.ErrNotConfigured
	ctx := context.Background()
	seedPayment(t, gdb, "txn-1", 499, types.PaymentStatusCompleted)
	_, err := svc.RequestRefund(ctx, &RefundRequest{UserID: "u-1", TransactionID: "txn-1", Amount: 100})
	require.NoError(t, err)

	n, err := svc.DispatchPending(ctx, 50)
	require.NoError(t, err)
	require.Zero(t, n)

	var got models.RefundRecord
	require.NoError(t, gdb.Take(&got).Error)
	require.Equal(t, types.RefundStatusPending, got.Status)
	require.Zero(t, got.RetryCount)
}
