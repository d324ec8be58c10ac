package models

// All lists every table managed by AutoMigrate.
func All() []any {
	return []any{
		&WebhookEvent{},
		&Payment{},
		&Subscription{},
		&SubscriptionLog{},
		&RefundRecord{},
		&AdminAction{},
		&OperatorNotification{},
		&CriticalAlert{},
	}
}
