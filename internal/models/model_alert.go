package models

import (
	"time"

	"gorm.io/datatypes"
)

// OperatorNotification is the first alert tier, read by the operator console.
type OperatorNotification struct {
	ID        string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Kind      string            `gorm:"column:kind;type:varchar(64);not null" json:"kind"`
	Subject   string            `gorm:"column:subject;type:varchar(255);not null" json:"subject"`
	Body      string            `gorm:"column:body;type:text" json:"body"`
	EventID   *string           `gorm:"column:event_id;type:varchar(64)" json:"event_id"`
	Details   datatypes.JSONMap `gorm:"column:details;type:jsonb;default:'{}'" json:"details"`
	ReadAt    *time.Time        `gorm:"column:read_at;default:null" json:"read_at"`
	CreatedAt time.Time         `json:"created_at"`
}

func (OperatorNotification) TableName() string {
	return "operator_notification"
}

// CriticalAlert is written when neither the notification row nor the
// out-of-band channel accepted an alert. ErrorChain lists every failure seen.
type CriticalAlert struct {
	ID         string                      `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Kind       string                      `gorm:"column:kind;type:varchar(64);not null" json:"kind"`
	Subject    string                      `gorm:"column:subject;type:varchar(255);not null" json:"subject"`
	EventID    *string                     `gorm:"column:event_id;type:varchar(64)" json:"event_id"`
	ErrorChain datatypes.JSONSlice[string] `gorm:"column:error_chain;type:jsonb" json:"error_chain"`
	Details    datatypes.JSONMap           `gorm:"column:details;type:jsonb;default:'{}'" json:"details"`
	CreatedAt  time.Time                   `json:"created_at"`
}

func (CriticalAlert) TableName() string {
	return "system_alerts_critical"
}
