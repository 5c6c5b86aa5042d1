package models

import "time"

// ReferralCredit is the one-time bonus granted to a referrer. At most one row exists per referred subscriber.
type ReferralCredit struct {
	ID                   uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ReferrerSubscriberID uint      `gorm:"column:referrer_subscriber_id;not null;index" json:"referrer_subscriber_id"`
	ReferredSubscriberID uint      `gorm:"column:referred_subscriber_id;not null;uniqueIndex" json:"referred_subscriber_id"`
	TransactionID        uint      `gorm:"column:transaction_id;not null" json:"transaction_id"`
	BonusDays            int       `gorm:"column:bonus_days;not null" json:"bonus_days"`
	CreatedAt            time.Time `json:"created_at"`
}

func (ReferralCredit) TableName() string {
	return "referral_credit"
}
