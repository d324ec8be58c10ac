package models

import (
	"time"

	"github.com/fatflowers/paysync/pkg/types"

	"gorm.io/datatypes"
)

// Subscription is the single mutable record per user shared by every writer.
// Writers read it FOR UPDATE and write it conditioned on Version.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	PlanID string                   `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	// Provider bills the subscription. The renewal job only charges providers it drives.
	Provider types.PaymentProvider `gorm:"column:provider;type:varchar(64);not null;default:''" json:"provider"`
	// PlanPrice is the price of PlanID at the time it was applied, in minor units.
	PlanPrice    int64                       `gorm:"column:plan_price;type:bigint;not null;default:0" json:"plan_price"`
	Currency     string                      `gorm:"column:currency;type:varchar(16);not null;default:''" json:"currency"`
	Entitlements datatypes.JSONSlice[string] `gorm:"column:entitlements;type:jsonb" json:"entitlements"`
	IsSubscribed bool                        `gorm:"column:is_subscribed;not null;default:false" json:"is_subscribed"`

	SubscriptionEndDate *time.Time `gorm:"column:subscription_end_date;default:null;index" json:"subscription_end_date"`
	LastPaymentDate     *time.Time `gorm:"column:last_payment_date;default:null" json:"last_payment_date"`
	LastPaymentAmount   int64      `gorm:"column:last_payment_amount;type:bigint;not null;default:0" json:"last_payment_amount"`
	// TransactionID is the payment the current period is based on.
	TransactionID string `gorm:"column:transaction_id;type:varchar(128);not null;default:''" json:"transaction_id"`

	AutoRenew               bool    `gorm:"column:auto_renew;not null;default:false" json:"auto_renew"`
	AutoRenewFailureCount   int     `gorm:"column:auto_renew_failure_count;not null;default:0" json:"auto_renew_failure_count"`
	AutoRenewDisabledReason *string `gorm:"column:auto_renew_disabled_reason;type:varchar(128);default:null" json:"auto_renew_disabled_reason"`

	PendingDowngradePlanID        *string    `gorm:"column:pending_downgrade_plan_id;type:varchar(64);default:null" json:"pending_downgrade_plan_id"`
	PendingDowngradeEffectiveDate *time.Time `gorm:"column:pending_downgrade_effective_date;default:null" json:"pending_downgrade_effective_date"`

	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Valid reports whether the subscription grants access at now.
func (s *Subscription) Valid(now time.Time) bool {
	if s == nil || !s.IsSubscribed || s.SubscriptionEndDate == nil {
		return false
	}
	switch s.Status {
	case types.SubscriptionStatusActive, types.SubscriptionStatusTrial,
		types.SubscriptionStatusGrace, types.SubscriptionStatusExpiringSoon:
		return s.SubscriptionEndDate.After(now)
	}
	return false
}

// HasPendingDowngrade reports whether a downgrade is scheduled.
func (s *Subscription) HasPendingDowngrade() bool {
	return s != nil && s.PendingDowngradePlanID != nil && s.PendingDowngradeEffectiveDate != nil
}

// ClearPendingDowngrade drops both pending fields together.
func (s *Subscription) ClearPendingDowngrade() {
	s.PendingDowngradePlanID = nil
	s.PendingDowngradeEffectiveDate = nil
}

// Clone returns a copy safe to keep as a "before" snapshot.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.Entitlements = append(datatypes.JSONSlice[string](nil), s.Entitlements...)
	return &c
}

// Info returns the display projection.
func (s *Subscription) Info() *types.SubscriptionInfo {
	if s == nil {
		return nil
	}
	return &types.SubscriptionInfo{
		UserID:                        s.UserID,
		PlanID:                        s.PlanID,
		Status:                        s.Status,
		IsSubscribed:                  s.IsSubscribed,
		AutoRenew:                     s.AutoRenew,
		SubscriptionEndDate:           s.SubscriptionEndDate,
		PendingDowngradePlanID:        s.PendingDowngradePlanID,
		PendingDowngradeEffectiveDate: s.PendingDowngradeEffectiveDate,
		Entitlements:                  []string(s.Entitlements),
	}
}
