package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/alerting"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/internal/platform/gateway"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/tool"
	"github.com/fatflowers/paysync/pkg/types"
)

// Submitter sends refunds to the payment processor.
type Submitter interface {
	SubmitRefund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResponse, error)
}

// ActionRecorder escalates refunds that could not be dispatched.
type ActionRecorder interface {
	RecordAdminAction(ctx context.Context, action *models.AdminAction) (alerting.Tier, error)
}

type Service struct {
	db        *gorm.DB
	cfg       *config.Config
	log       *zap.SugaredLogger
	submitter Submitter
	actions   ActionRecorder
	now       func() time.Time
}

func New(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger, submitter Submitter, actions ActionRecorder) *Service {
	return &Service{db: db, cfg: cfg, log: log, submitter: submitter, actions: actions, now: func() time.Time { return time.Now().UTC() }}
}

type RefundRequest struct {
	// UserID must own the payment. Only internal credits in RequestRefundTx
	// may leave it empty.
	UserID        string `json:"user_id" binding:"required"`
	TransactionID string `json:"transaction_id" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	Reason        string `json:"reason"`
}

// RequestRefund creates a pending refund if the payment still has enough
// refundable balance. The balance check and the insert share one transaction.
func (s *Service) RequestRefund(ctx context.Context, req *RefundRequest) (*models.RefundRecord, error) {
	if req.UserID == "" {
		return nil, ErrUserRequired
	}
	var record *models.RefundRecord
	err := db.RunInTx(ctx, s.db, db.DefaultConflictAttempts, s.onConflict(ctx), func(tx *gorm.DB) error {
		var err error
		record, err = s.RequestRefundTx(ctx, tx, req)
		return err
	})
	if err != nil {
		var over *OverRefundError
		if errors.As(err, &over) {
			metrics.ObserveRefundRejected(ReasonOverRefund)
			logctx.FromCtx(ctx, s.log).Infow("refund rejected", "transaction_id", req.TransactionID, "requested", req.Amount, "remaining", over.Remaining())
		}
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("refund requested", "refund_id", record.ID, "transaction_id", record.PaymentTransactionID, "amount", record.Amount, "reason", record.Reason)
	return record, nil
}

// RequestRefundTx is RequestRefund inside a caller's transaction. The payment
// row is locked so concurrent requests for the same payment serialize.
func (s *Service) RequestRefundTx(ctx context.Context, tx *gorm.DB, req *RefundRequest) (*models.RefundRecord, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	payment, err := s.lockPayment(tx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && payment.UserID != req.UserID {
		return nil, ErrPaymentOwner
	}
	if !payment.IsCompleted() {
		return nil, ErrPaymentNotCompleted
	}

	refunded, err := sumActive(tx, payment.TransactionID)
	if err != nil {
		return nil, err
	}
	if refunded+req.Amount > payment.Amount {
		return nil, &OverRefundError{
			TransactionID: payment.TransactionID,
			Requested:     req.Amount,
			Refunded:      refunded,
			PaymentAmount: payment.Amount,
		}
	}

	record := &models.RefundRecord{
		ID:                   tool.GenerateUUIDV7(),
		PaymentTransactionID: payment.TransactionID,
		UserID:               payment.UserID,
		Amount:               req.Amount,
		Currency:             payment.Currency,
		Status:               types.RefundStatusPending,
		Reason:               lo.Ternary(req.Reason == "", "requested_by_customer", req.Reason),
	}
	if err := tx.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create refund record: %w", err)
	}
	return record, nil
}

func (s *Service) lockPayment(tx *gorm.DB, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	if err := db.ForUpdate(tx).Where("transaction_id = ?", transactionID).Take(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("load payment %s: %w", transactionID, err)
	}
	return &payment, nil
}

func sumActive(tx *gorm.DB, transactionID string) (int64, error) {
	var sum int64
	err := tx.Model(&models.RefundRecord{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("payment_transaction_id = ? AND status IN ?", transactionID, types.ActiveRefundStatuses).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("sum refunds for %s: %w", transactionID, err)
	}
	return sum, nil
}

// RefundableBalance is the payment amount minus pending, processing and completed refunds.
func (s *Service) RefundableBalance(ctx context.Context, transactionID string) (int64, error) {
	return s.RefundableBalanceTx(s.db.WithContext(ctx), transactionID)
}

func (s *Service) RefundableBalanceTx(tx *gorm.DB, transactionID string) (int64, error) {
	var payment models.Payment
	if err := tx.Where("transaction_id = ?", transactionID).Take(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrPaymentNotFound
		}
		return 0, err
	}
	if !payment.IsCompleted() {
		return 0, nil
	}
	refunded, err := sumActive(tx, transactionID)
	if err != nil {
		return 0, err
	}
	return max(payment.Amount-refunded, 0), nil
}

var allowedTransitions = map[types.RefundStatus][]types.RefundStatus{
	types.RefundStatusPending:    {types.RefundStatusProcessing, types.RefundStatusCompleted, types.RefundStatusFailed},
	types.RefundStatusProcessing: {types.RefundStatusCompleted, types.RefundStatusFailed},
}

type StatusUpdate struct {
	RefundID         string
	ProviderRefundID string
	Status           types.RefundStatus
	Error            string
}

// UpdateStatusTx moves a refund forward. Completed and failed are terminal;
// repeating the current status is a no-op.
func (s *Service) UpdateStatusTx(ctx context.Context, tx *gorm.DB, upd *StatusUpdate) (*models.RefundRecord, error) {
	var record models.RefundRecord
	q := db.ForUpdate(tx)
	if upd.RefundID != "" {
		q = q.Where("id = ?", upd.RefundID)
	} else if upd.ProviderRefundID != "" {
		q = q.Where("provider_refund_id = ?", upd.ProviderRefundID)
	} else {
		return nil, ErrRefundNotFound
	}
	if err := q.Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	if record.Status == upd.Status {
		return &record, nil
	}
	if !lo.Contains(allowedTransitions[record.Status], upd.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, upd.Status)
	}
	record.Status = upd.Status
	if upd.ProviderRefundID != "" {
		record.ProviderRefundID = lo.ToPtr(upd.ProviderRefundID)
	}
	if upd.Error != "" {
		record.LastError = lo.ToPtr(upd.Error)
	}
	if err := tx.Model(&record).Select("status", "provider_refund_id", "last_error", "updated_at").Updates(&record).Error; err != nil {
		return nil, fmt.Errorf("update refund %s: %w", record.ID, err)
	}
	return &record, nil
}

func (s *Service) UpdateStatus(ctx context.Context, upd *StatusUpdate) (*models.RefundRecord, error) {
	var record *models.RefundRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = s.UpdateStatusTx(ctx, tx, upd)
		return err
	})
	return record, err
}

// CompletedTotalTx sums completed refunds for a payment.
func (s *Service) CompletedTotalTx(tx *gorm.DB, transactionID string) (int64, error) {
	var sum int64
	err := tx.Model(&models.RefundRecord{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("payment_transaction_id = ? AND status = ?", transactionID, types.RefundStatusCompleted).
		Scan(&sum).Error
	return sum, err
}

// DispatchPending submits pending refunds to the gateway and moves accepted
// ones to processing. A refund that keeps failing is marked failed after the
// configured number of attempts and escalated once.
func (s *Service) DispatchPending(ctx context.Context, limit int) (dispatched int, err error) {
	lg := logctx.FromCtx(ctx, s.log)
	var pending []*models.RefundRecord
	if err := s.db.WithContext(ctx).
		Where("status = ?", types.RefundStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("list pending refunds: %w", err)
	}

	for _, record := range pending {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		resp, submitErr := s.submitter.SubmitRefund(ctx, &gateway.RefundRequest{
			RefundID:      record.ID,
			TransactionID: record.PaymentTransactionID,
			Amount:        record.Amount,
			Currency:      record.Currency,
			Reason:        record.Reason,
		})
		if errors.Is(submitErr, gateway.ErrNotConfigured) {
			lg.Warnw("refund dispatch skipped, gateway not configured", "pending", len(pending))
			return dispatched, nil
		}
		if submitErr == nil {
			if _, err := s.UpdateStatus(ctx, &StatusUpdate{RefundID: record.ID, ProviderRefundID: resp.ProviderRefundID, Status: types.RefundStatusProcessing}); err != nil {
				lg.Errorw("failed to mark refund processing", "refund_id", record.ID, "error", err)
				continue
			}
			dispatched++
			continue
		}
		s.recordDispatchFailure(ctx, record, submitErr)
	}
	return dispatched, nil
}

func (s *Service) recordDispatchFailure(ctx context.Context, record *models.RefundRecord, cause error) {
	lg := logctx.FromCtx(ctx, s.log).With("refund_id", record.ID, "transaction_id", record.PaymentTransactionID)
	var exhausted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.RefundRecord
		if err := db.ForUpdate(tx).Where("id = ? AND status = ?", record.ID, types.RefundStatusPending).Take(&locked).Error; err != nil {
			return err
		}
		locked.RetryCount++
		locked.LastError = lo.ToPtr(cause.Error())
		if locked.RetryCount >= s.cfg.Refund.MaxRetries {
			locked.Status = types.RefundStatusFailed
			exhausted = true
		}
		return tx.Model(&locked).Select("retry_count", "last_error", "status", "updated_at").Updates(&locked).Error
	})
	if err != nil {
		lg.Errorw("failed to record refund dispatch failure", "error", err, "cause", cause)
		return
	}
	if !exhausted {
		lg.Warnw("refund dispatch failed, will retry", "error", cause)
		return
	}
	lg.Errorw("refund dispatch exhausted", "error", cause)
	tier, alertErr := s.actions.RecordAdminAction(ctx, &models.AdminAction{
		Type:     models.AdminActionTypeRefundDispatchFailed,
		UserID:   record.UserID,
		Reason:   fmt.Sprintf("refund %s of %d %s for payment %s could not be submitted", record.ID, record.Amount, record.Currency, record.PaymentTransactionID),
		Error:    cause.Error(),
		Priority: models.AdminActionPriorityHigh,
	})
	lg.Infow("admin action recorded", "type", models.AdminActionTypeRefundDispatchFailed, "tier", tier.String(), "tier_errors", alertErr)
}

func (s *Service) onConflict(ctx context.Context) func(int, error) {
	return func(attempt int, err error) {
		metrics.ObserveConflict("refund")
		logctx.FromCtx(ctx, s.log).Infow("refund transaction conflict, retrying", "attempt", attempt, "error", err)
	}
}

var Module = fx.Options(
	fx.Provide(New),
)
