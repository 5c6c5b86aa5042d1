package models

import (
	"time"

	"github.com/fatflowers/vpnbilling/pkg/types"
	"gorm.io/datatypes"
)

// Transaction is one charge attempt at the payment gateway.
type Transaction struct {
	ID uint `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	// GatewayTransactionID is assigned by the gateway and is unique once present.
	GatewayTransactionID *string `gorm:"column:gateway_transaction_id;type:varchar(64);uniqueIndex" json:"gateway_transaction_id"`
	SubscriberID         uint    `gorm:"column:subscriber_id;not null;index:idx_transaction_subscriber_auto,priority:1" json:"subscriber_id"`
	ExternalID           int64   `gorm:"column:external_id;not null;index" json:"external_id"`

	PlanID           string `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	PlanName         string `gorm:"column:plan_name;type:varchar(255);not null" json:"plan_name"`
	AmountMinorUnits int64  `gorm:"column:amount_minor_units;type:bigint;not null" json:"amount_minor_units"`
	DaysGranted      int    `gorm:"column:days_granted;not null" json:"days_granted"`

	Status        types.TransactionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	IsAutoPayment bool                    `gorm:"column:is_auto_payment;not null;default:false;index:idx_transaction_subscriber_auto,priority:2" json:"is_auto_payment"`
	AttemptNumber int                     `gorm:"column:attempt_number;not null;default:1" json:"attempt_number"`
	PaidAt        *time.Time              `gorm:"column:paid_at" json:"paid_at"`

	PaymentMethodID *string `gorm:"column:payment_method_id;type:varchar(128)" json:"-"`
	DeclineReason   *string `gorm:"column:decline_reason;type:varchar(128)" json:"decline_reason"`
	ConfirmationURL *string `gorm:"column:confirmation_url;type:text" json:"confirmation_url,omitempty"`
	// Metadata holds the latest raw gateway payload.
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_transaction_subscriber_auto,priority:3" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}

func (t *Transaction) IsPaid() bool {
	return t != nil && t.PaidAt != nil
}
