package models

import (
	"time"

	"github.com/fatflowers/paysync/pkg/types"
)

// Payment is one charge attempt, either a first checkout or a renewal.
// Status leaves pending exactly once.
type Payment struct {
	ID            string                `gorm:"column:id;primary_key;type:uuid" json:"id"`
	TransactionID string                `gorm:"column:transaction_id;type:varchar(128);not null;uniqueIndex" json:"transaction_id"`
	UserID        string                `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Provider      types.PaymentProvider `gorm:"column:provider;type:varchar(64);not null" json:"provider"`
	PlanID        string                `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Kind          types.PaymentKind     `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	// Amount is in minor units of Currency.
	Amount      int64               `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency    string              `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	Status      types.PaymentStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CompletedAt *time.Time          `gorm:"column:completed_at;default:null" json:"completed_at"`
	FailedAt    *time.Time          `gorm:"column:failed_at;default:null" json:"failed_at"`
	FailReason  *string             `gorm:"column:fail_reason;type:text;default:null" json:"fail_reason"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payment"
}

func (p *Payment) IsCompleted() bool {
	return p != nil && p.Status == types.PaymentStatusCompleted
}

func (p *Payment) IsPending() bool {
	return p != nil && p.Status == types.PaymentStatusPending
}
