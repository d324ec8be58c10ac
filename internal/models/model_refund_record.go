package models

import (
	"time"

	"github.com/fatflowers/paysync/pkg/types"
)

// RefundRecord is one refund against a payment. Pending, processing and
// completed records all count against the payment's refundable balance.
type RefundRecord struct {
	ID                   string             `gorm:"column:id;type:uuid;primary_key" json:"id"`
	PaymentTransactionID string             `gorm:"column:payment_transaction_id;type:varchar(128);not null;index" json:"payment_transaction_id"`
	UserID               string             `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Amount               int64              `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency             string             `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	Status               types.RefundStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	Reason               string             `gorm:"column:reason;type:varchar(128);not null" json:"reason"`
	RetryCount           int                `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ProviderRefundID     *string            `gorm:"column:provider_refund_id;type:varchar(128);default:null" json:"provider_refund_id"`
	LastError            *string            `gorm:"column:last_error;type:text;default:null" json:"last_error"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (RefundRecord) TableName() string {
	return "refund_record"
}
