package types

type WebhookEventStatus string

const (
	WebhookEventStatusPending    WebhookEventStatus = "pending"
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusCompleted  WebhookEventStatus = "completed"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
	WebhookEventStatusDeadLetter WebhookEventStatus = "dead_letter"
)

// EventType is the normalized event kind every provider payload is parsed into.
type EventType string

const (
	EventTypePaymentSucceeded      EventType = "payment.succeeded"
	EventTypePaymentFailed         EventType = "payment.failed"
	EventTypeRenewalSucceeded      EventType = "renewal.succeeded"
	EventTypeRenewalFailed         EventType = "renewal.failed"
	EventTypeRefundCompleted       EventType = "refund.completed"
	EventTypeRefundFailed          EventType = "refund.failed"
	EventTypeSubscriptionCancelled EventType = "subscription.cancelled"
	EventTypeIgnored               EventType = "ignored"
)

// IsSuccessfulPayment reports whether the event activates or extends a subscription.
func (t EventType) IsSuccessfulPayment() bool {
	return t == EventTypePaymentSucceeded || t == EventTypeRenewalSucceeded
}
