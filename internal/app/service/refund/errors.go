package refund

import (
	"errors"
	"fmt"
)

// ReasonOverRefund is the stable rejection code for OverRefundError.
const ReasonOverRefund = "over_refund"

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentNotCompleted = errors.New("payment is not completed")
	ErrInvalidAmount       = errors.New("refund amount must be positive")
	ErrPaymentOwner        = errors.New("payment belongs to another user")
	ErrUserRequired        = errors.New("user id is required")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrInvalidTransition   = errors.New("invalid refund status transition")
)

// OverRefundError rejects a refund that would push the refunded total past
// the payment amount.
type OverRefundError struct {
	TransactionID string
	Requested     int64
	Refunded      int64
	PaymentAmount int64
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("%s: payment %s amount %d, already refunded %d, requested %d",
		ReasonOverRefund, e.TransactionID, e.PaymentAmount, e.Refunded, e.Requested)
}

// Remaining is the refundable balance at the time of the rejection.
func (e *OverRefundError) Remaining() int64 {
	return e.PaymentAmount - e.Refunded
}
