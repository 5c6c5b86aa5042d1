package models

import (
	"time"

	"github.com/fatflowers/vpnbilling/pkg/types"
	"gorm.io/datatypes"
)

// SubscriberLog records changes to subscriber state.
// Use case: troubleshooting.
type SubscriberLog struct {
	ID           string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SubscriberID uint   `gorm:"column:subscriber_id;index:idx_subscriber_log_subscriber,priority:1;not null" json:"subscriber_id"`
	// Reason is the change reason.
	Reason types.SubscriberChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// Before stores subscriber data before the change in JSON format.
	Before datatypes.JSONType[*Subscriber] `gorm:"column:before;type:jsonb;default:'null'" json:"before"`
	// After stores subscriber data after the change in JSON format.
	After datatypes.JSONType[*Subscriber] `gorm:"column:after;type:jsonb;default:'null'" json:"after"`
	// Extra stores additional context such as the transaction id or job run.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_subscriber_log_subscriber,priority:2" json:"created_at"`
}

func (SubscriberLog) TableName() string {
	return "subscriber_log"
}
