package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionLog records gateway status changes applied to a transaction.
type TransactionLog struct {
	ID            string `gorm:"column:id;primary_key;type:uuid"`
	TransactionID uint   `gorm:"column:transaction_id;not null;index"`
	// Source is what applied the change: webhook, poll, auto_renew.
	Source     string `gorm:"column:source;type:varchar(32);not null"`
	FromStatus string `gorm:"column:from_status;type:varchar(32);not null"`
	ToStatus   string `gorm:"column:to_status;type:varchar(32);not null"`
	// Payload is the raw gateway object that caused the change.
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb"`
	CreatedAt time.Time      `json:"created_at"`
}

func (TransactionLog) TableName() string {
	return "transaction_log"
}
