package models

import (
	"time"

	"github.com/fatflowers/paysync/pkg/types"

	"gorm.io/datatypes"
)

// WebhookEvent is the durable record of one inbound provider notification.
// Rows are never deleted. RetryCount reaching MaxRetries means dead_letter.
type WebhookEvent struct {
	ID              string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Provider        string                   `gorm:"column:provider;type:varchar(64);not null;index:idx_webhook_event_provider_external,priority:1" json:"provider"`
	EventType       string                   `gorm:"column:event_type;type:varchar(128);not null" json:"event_type"`
	ExternalEventID string                   `gorm:"column:external_event_id;type:varchar(255);index:idx_webhook_event_provider_external,priority:2" json:"external_event_id"`
	Payload         datatypes.JSON           `gorm:"column:payload;type:jsonb" json:"payload"`
	Metadata        datatypes.JSONMap        `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	Status          types.WebhookEventStatus `gorm:"column:status;type:varchar(32);not null;index:idx_webhook_event_due,priority:1" json:"status"`
	RetryCount      int                      `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries      int                      `gorm:"column:max_retries;not null" json:"max_retries"`
	NextRetryAt     *time.Time               `gorm:"column:next_retry_at;default:null;index:idx_webhook_event_due,priority:2" json:"next_retry_at"`
	LastError       *string                  `gorm:"column:last_error;type:text;default:null" json:"last_error"`
	UserID          *string                  `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	TransactionID   *string                  `gorm:"column:transaction_id;type:varchar(128)" json:"transaction_id"`
	TraceID         string                   `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	ProcessedAt     *time.Time               `gorm:"column:processed_at;default:null" json:"processed_at"`
	CreatedAt       time.Time                `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }

func (e *WebhookEvent) IsTerminal() bool {
	return e != nil && (e.Status == types.WebhookEventStatusCompleted || e.Status == types.WebhookEventStatusDeadLetter)
}
