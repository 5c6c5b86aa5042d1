package types

import "time"

// SubscriberChangeReason explains why the cached subscriber state changed.
type SubscriberChangeReason string

const (
	SubscriberChangeReasonCreated       SubscriberChangeReason = "created"
	SubscriberChangeReasonPurchase      SubscriberChangeReason = "purchase"
	SubscriberChangeReasonAutoRenew     SubscriberChangeReason = "auto_renew"
	SubscriberChangeReasonReferralBonus SubscriberChangeReason = "referral_bonus"
	SubscriberChangeReasonChannelBonus  SubscriberChangeReason = "channel_bonus"
	SubscriberChangeReasonRemoteSync    SubscriberChangeReason = "remote_sync"
	SubscriberChangeReasonGapRetry      SubscriberChangeReason = "gap_retry"
	SubscriberChangeReasonSettings      SubscriberChangeReason = "settings"
	SubscriberChangeReasonTerms         SubscriberChangeReason = "terms_accepted"
)

// RemoteStatusActive is the directory status of an enabled subscriber.
const RemoteStatusActive = "ACTIVE"

type SubscriberInfo struct {
	ExternalID       int64      `json:"external_id"`
	Username         *string    `json:"username"`
	FirstName        *string    `json:"first_name"`
	IsActive         bool       `json:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at"`
	DaysLeft         int        `json:"days_left"`
	SubscriptionURL  *string    `json:"subscription_url"`
	TrafficUsed      int64      `json:"traffic_used_bytes"`
	TrafficLimit     int64      `json:"traffic_limit_bytes"`
	ReferralCode     string     `json:"referral_code"`
	TrialUsed        bool       `json:"trial_used"`
	AutoRenewEnabled bool       `json:"auto_renew_enabled"`
	HasPaymentMethod bool       `json:"has_payment_method"`
	CardLast4        *string    `json:"card_last4"`
	CardBrand        *string    `json:"card_brand"`
	TermsAcceptedAt  *time.Time `json:"terms_accepted_at"`
}

type AutoRenewInfo struct {
	Enabled          bool    `json:"enabled"`
	HasPaymentMethod bool    `json:"has_payment_method"`
	CardLast4        *string `json:"card_last4"`
	CardBrand        *string `json:"card_brand"`
}
