package ledger

import (
	"context"
	"fmt"

	"github.com/fatflowers/vpnbilling/internal/models"
)

func (s *Store) HasReferralCredit(ctx context.Context, referredSubscriberID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ReferralCredit{}).
		Where("referred_subscriber_id = ?", referredSubscriberID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check referral credit: %w", err)
	}
	return n > 0, nil
}

// CreateReferralCredit inserts the credit. A second credit for the same referred
// subscriber fails with gorm.ErrDuplicatedKey (see IsDuplicate).
func (s *Store) CreateReferralCredit(ctx context.Context, c *models.ReferralCredit) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create referral credit: %w", err)
	}
	return nil
}
