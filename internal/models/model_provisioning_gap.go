package models

import "time"

type ProvisioningGapKind string

const (
	// ProvisioningGapKindPurchase is a paid transaction whose days never reached the directory.
	ProvisioningGapKindPurchase ProvisioningGapKind = "purchase"
	// ProvisioningGapKindReferral is a referral bonus that was credited but not applied remotely.
	ProvisioningGapKindReferral ProvisioningGapKind = "referral"
)

// ProvisioningGap records an entitlement that was paid for but could not be pushed to the
// remote directory. Remote sync cannot repair these, so they stay open until an admin retry.
type ProvisioningGap struct {
	ID            uint                `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Kind          ProvisioningGapKind `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	SubscriberID  uint                `gorm:"column:subscriber_id;not null;index" json:"subscriber_id"`
	ExternalID    int64               `gorm:"column:external_id;not null" json:"external_id"`
	TransactionID uint                `gorm:"column:transaction_id;not null;index" json:"transaction_id"`
	Days          int                 `gorm:"column:days;not null" json:"days"`
	Error         string              `gorm:"column:error;type:text" json:"error"`
	Attempts      int                 `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ResolvedAt    *time.Time          `gorm:"column:resolved_at;index" json:"resolved_at"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (ProvisioningGap) TableName() string {
	return "provisioning_gap"
}

func (g *ProvisioningGap) Resolved() bool {
	return g != nil && g.ResolvedAt != nil
}
