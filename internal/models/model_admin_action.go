package models

import "time"

type AdminActionType string

const (
	AdminActionTypeDisableAutoRenewFailed AdminActionType = "disable_auto_renew_failed"
	AdminActionTypeRefundDispatchFailed   AdminActionType = "refund_dispatch_failed"
	AdminActionTypeManualReview           AdminActionType = "manual_review"
)

type AdminActionPriority string

const (
	AdminActionPriorityHigh   AdminActionPriority = "high"
	AdminActionPriorityNormal AdminActionPriority = "normal"
)

// AdminAction is an append-only work item for operators.
type AdminAction struct {
	ID             string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Type           AdminActionType     `gorm:"column:type;type:varchar(64);not null" json:"type"`
	UserID         string              `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	SubscriptionID string              `gorm:"column:subscription_id;type:varchar(64)" json:"subscription_id"`
	Reason         string              `gorm:"column:reason;type:text" json:"reason"`
	Error          string              `gorm:"column:error;type:text" json:"error"`
	Priority       AdminActionPriority `gorm:"column:priority;type:varchar(16);not null" json:"priority"`
	CreatedAt      time.Time           `json:"created_at"`
}

func (AdminAction) TableName() string {
	return "admin_action"
}
