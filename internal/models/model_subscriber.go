package models

import (
	"time"
)

// Subscriber is one end user keyed by their Telegram id.
// ExpiresAt and IsActive cache the remote directory and are only written from a remote record.
type Subscriber struct {
	ID         uint    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExternalID int64   `gorm:"column:external_id;not null;uniqueIndex" json:"external_id"`
	Username   *string `gorm:"column:username;type:varchar(255)" json:"username"`
	FirstName  *string `gorm:"column:first_name;type:varchar(255)" json:"first_name"`

	RemoteID        *string `gorm:"column:remote_id;type:varchar(64);uniqueIndex" json:"remote_id"`
	RemoteName      *string `gorm:"column:remote_name;type:varchar(255)" json:"remote_name"`
	SubscriptionURL *string `gorm:"column:subscription_url;type:text" json:"subscription_url"`

	ExpiresAt *time.Time `gorm:"column:expires_at;index" json:"expires_at"`
	IsActive  bool       `gorm:"column:is_active;not null;default:false" json:"is_active"`
	TrialUsed bool       `gorm:"column:trial_used;not null;default:false" json:"trial_used"`

	// ReferrerExternalID is set at creation and never changed.
	ReferrerExternalID *int64 `gorm:"column:referrer_external_id;index" json:"referrer_external_id"`
	ReferralCode       string `gorm:"column:referral_code;type:varchar(32);not null;uniqueIndex" json:"referral_code"`

	AutoRenewEnabled     bool    `gorm:"column:auto_renew_enabled;not null;default:false" json:"auto_renew_enabled"`
	SavedPaymentMethodID *string `gorm:"column:saved_payment_method_id;type:varchar(128)" json:"-"`
	CardLast4            *string `gorm:"column:card_last4;type:varchar(8)" json:"card_last4"`
	CardBrand            *string `gorm:"column:card_brand;type:varchar(32)" json:"card_brand"`

	LastNotificationSentAt *time.Time `gorm:"column:last_notification_sent_at" json:"last_notification_sent_at"`
	ChannelBonusReceivedAt *time.Time `gorm:"column:channel_bonus_received_at" json:"channel_bonus_received_at"`
	TermsAcceptedAt        *time.Time `gorm:"column:terms_accepted_at" json:"terms_accepted_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscriber) TableName() string {
	return "subscriber"
}

func (s *Subscriber) HasRemoteBinding() bool {
	return s != nil && s.RemoteID != nil && *s.RemoteID != ""
}

func (s *Subscriber) HasPaymentMethod() bool {
	return s != nil && s.SavedPaymentMethodID != nil && *s.SavedPaymentMethodID != ""
}

// DaysLeft rounds the remaining cached time up to whole days.
func (s *Subscriber) DaysLeft(now time.Time) int {
	if s == nil || s.ExpiresAt == nil || !s.ExpiresAt.After(now) {
		return 0
	}
	d := s.ExpiresAt.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}
