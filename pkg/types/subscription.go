package types

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusTrial        SubscriptionStatus = "trial"
	SubscriptionStatusActive       SubscriptionStatus = "active"
	SubscriptionStatusGrace        SubscriptionStatus = "grace"
	SubscriptionStatusExpiringSoon SubscriptionStatus = "expiring_soon"
	SubscriptionStatusCancelled    SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired      SubscriptionStatus = "expired"
)

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonPurchase           SubscriptionChangeReason = "purchase"
	SubscriptionChangeReasonRenewal            SubscriptionChangeReason = "renewal"
	SubscriptionChangeReasonDowngrade          SubscriptionChangeReason = "downgrade"
	SubscriptionChangeReasonDowngradeScheduled SubscriptionChangeReason = "downgrade_scheduled"
	SubscriptionChangeReasonCancel             SubscriptionChangeReason = "cancel"
	SubscriptionChangeReasonCancelRenew        SubscriptionChangeReason = "cancelRenew"
	SubscriptionChangeReasonRefund             SubscriptionChangeReason = "refund"
	SubscriptionChangeReasonRenewFailed        SubscriptionChangeReason = "renew_failed"
	SubscriptionChangeReasonAutoRenewDisabled  SubscriptionChangeReason = "auto_renew_disabled"
)

// ActivationReasons are the log reasons written when a payment is applied to a subscription.
var ActivationReasons = []SubscriptionChangeReason{
	SubscriptionChangeReasonPurchase,
	SubscriptionChangeReasonRenewal,
	SubscriptionChangeReasonDowngrade,
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

type PaymentKind string

const (
	PaymentKindCheckout PaymentKind = "checkout"
	PaymentKindRenewal  PaymentKind = "renewal"
)

type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusFailed     RefundStatus = "failed"
)

// RefundReasonPlanDowngrade tags credits produced by plan changes.
const RefundReasonPlanDowngrade = "plan_downgrade"

// ActiveRefundStatuses count against a payment's refundable balance.
var ActiveRefundStatuses = []RefundStatus{RefundStatusPending, RefundStatusProcessing, RefundStatusCompleted}

type SubscriptionInfo struct {
	UserID                        string             `json:"user_id"`
	PlanID                        string             `json:"plan_id"`
	Status                        SubscriptionStatus `json:"status"`
	IsSubscribed                  bool               `json:"is_subscribed"`
	AutoRenew                     bool               `json:"auto_renew"`
	SubscriptionEndDate           *time.Time         `json:"subscription_end_date"`
	PendingDowngradePlanID        *string            `json:"pending_downgrade_plan_id,omitempty"`
	PendingDowngradeEffectiveDate *time.Time         `json:"pending_downgrade_effective_date,omitempty"`
	Entitlements                  []string           `json:"entitlements"`
}
