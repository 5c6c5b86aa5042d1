package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/pkg/tool"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// Change describes why a subscriber row is being written. Before is the state prior to the
// change; a nil Before skips the audit entry.
type Change struct {
	Reason types.SubscriberChangeReason
	Before *models.Subscriber
	Extra  map[string]any
}

func (s *Store) GetSubscriber(ctx context.Context, id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, notFound(err, ErrSubscriberNotFound)
	}
	return &sub, nil
}

// LockSubscriber reads a subscriber with a row lock held until the surrounding transaction ends.
func (s *Store) LockSubscriber(ctx context.Context, id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.forUpdate(ctx).First(&sub, id).Error; err != nil {
		return nil, notFound(err, ErrSubscriberNotFound)
	}
	return &sub, nil
}

func (s *Store) GetSubscriberByExternalID(ctx context.Context, externalID int64) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&sub).Error; err != nil {
		return nil, notFound(err, ErrSubscriberNotFound)
	}
	return &sub, nil
}

func (s *Store) LockSubscriberByExternalID(ctx context.Context, externalID int64) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.forUpdate(ctx).Where("external_id = ?", externalID).First(&sub).Error; err != nil {
		return nil, notFound(err, ErrSubscriberNotFound)
	}
	return &sub, nil
}

func (s *Store) GetSubscriberByReferralCode(ctx context.Context, code string) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.db.WithContext(ctx).Where("referral_code = ?", code).First(&sub).Error; err != nil {
		return nil, notFound(err, ErrSubscriberNotFound)
	}
	return &sub, nil
}

// CreateSubscriber inserts sub together with its creation audit entry.
func (s *Store) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.db.WithContext(ctx).Create(sub).Error; err != nil {
			return fmt.Errorf("create subscriber: %w", err)
		}
		return tx.writeSubscriberLog(ctx, sub, Change{Reason: types.SubscriberChangeReasonCreated})
	})
}

// SaveSubscriber writes every column of sub and appends an audit entry when ch.Before is set.
func (s *Store) SaveSubscriber(ctx context.Context, sub *models.Subscriber, ch Change) error {
	if err := s.db.WithContext(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("save subscriber %d: %w", sub.ID, err)
	}
	if ch.Before == nil {
		return nil
	}
	return s.writeSubscriberLog(ctx, sub, ch)
}

func (s *Store) writeSubscriberLog(ctx context.Context, sub *models.Subscriber, ch Change) error {
	after := *sub
	entry := &models.SubscriberLog{
		ID:           tool.GenerateUUIDV7(),
		SubscriberID: sub.ID,
		Reason:       ch.Reason,
		Before:       datatypes.NewJSONType(ch.Before),
		After:        datatypes.NewJSONType(&after),
		Extra:        datatypes.JSONMap(ch.Extra),
	}
	if entry.Extra == nil {
		entry.Extra = datatypes.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("write subscriber log: %w", err)
	}
	return nil
}

func (s *Store) ListSubscriberLogs(ctx context.Context, subscriberID uint, limit int) ([]*models.SubscriberLog, error) {
	var rows []*models.SubscriberLog
	err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list subscriber logs: %w", err)
	}
	return rows, nil
}

// ListAutoRenewCandidates returns opted-in subscribers with a saved method whose cached
// expiration lies in [from, to].
func (s *Store) ListAutoRenewCandidates(ctx context.Context, from, to time.Time) ([]*models.Subscriber, error) {
	var rows []*models.Subscriber
	err := s.db.WithContext(ctx).
		Where("auto_renew_enabled = ?", true).
		Where("saved_payment_method_id IS NOT NULL AND saved_payment_method_id <> ''").
		Where("expires_at >= ? AND expires_at <= ?", from, to).
		Order("expires_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list auto-renew candidates: %w", err)
	}
	return rows, nil
}

// ListExpiringUnnotified returns active subscribers expiring in (now, now+window] that were
// not warned after notifiedBefore.
func (s *Store) ListExpiringUnnotified(ctx context.Context, now time.Time, window time.Duration, notifiedBefore time.Time) ([]*models.Subscriber, error) {
	var rows []*models.Subscriber
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("expires_at > ? AND expires_at <= ?", now, now.Add(window)).
		Where("last_notification_sent_at IS NULL OR last_notification_sent_at < ?", notifiedBefore).
		Order("expires_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring subscribers: %w", err)
	}
	return rows, nil
}

// ListBoundSubscribers pages through subscribers with a remote binding, ordered by id.
func (s *Store) ListBoundSubscribers(ctx context.Context, afterID uint, limit int) ([]*models.Subscriber, error) {
	var rows []*models.Subscriber
	err := s.db.WithContext(ctx).
		Where("remote_id IS NOT NULL AND remote_id <> ''").
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list bound subscribers: %w", err)
	}
	return rows, nil
}

// MarkNotified stamps the expiration warning time.
func (s *Store) MarkNotified(ctx context.Context, id uint, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ?", id).
		Update("last_notification_sent_at", at).Error
	if err != nil {
		return fmt.Errorf("mark subscriber %d notified: %w", id, err)
	}
	return nil
}
