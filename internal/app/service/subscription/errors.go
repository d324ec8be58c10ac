package subscription

import "errors"

var (
	// ErrConflict means the subscription kept changing under us after all
	// transaction attempts.
	ErrConflict              = errors.New("subscription changed concurrently, try again")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrSubscriptionNotActive = errors.New("subscription is not active")
	ErrPlanNotFound          = errors.New("plan not found")
	ErrNotADowngrade         = errors.New("target plan is not cheaper than the current plan")
	ErrDowngradePending      = errors.New("a downgrade is already scheduled")
	ErrAutoRenewOff          = errors.New("auto renew is disabled")
	ErrPaymentNotPending     = errors.New("payment is not pending")
)

// Reason codes returned to collaborators alongside rejections.
const (
	ReasonConflict           = "conflict"
	ReasonNotADowngrade      = "not_a_downgrade"
	ReasonDowngradePending   = "downgrade_pending"
	ReasonNotActive          = "subscription_not_active"
	ReasonMissingCorrelation = "missing_correlation"
	ReasonPaymentFailed      = "payment_already_failed"
	ReasonPaymentCompleted   = "payment_already_completed"
	ReasonUnknownPlan        = "unknown_plan"
)
