package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// remoteSync copies expiration and status from the directory into the local cache.
// Subscribers missing remotely are reported and left untouched.
func (e *Engine) remoteSync(ctx context.Context, r *JobReport) error {
	start := time.Now()
	log := logctx.FromCtx(ctx, e.log)
	var afterID uint
	for {
		if e.overBudget(start) {
			r.BudgetExceeded = true
			return nil
		}
		batch, err := e.store.ListBoundSubscribers(ctx, afterID, e.cfg.Billing.SyncBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		r.Candidates += len(batch)
		for _, sub := range batch {
			afterID = sub.ID
			outcome, err := e.syncOne(ctx, sub)
			if err != nil {
				r.fail(fmt.Errorf("subscriber %d: %w", sub.ExternalID, err))
				continue
			}
			if outcome == OutcomeMissing {
				log.Warnw("remote record missing", "external_id", sub.ExternalID, "remote_id", *sub.RemoteID)
			}
			r.Outcomes[outcome]++
		}
		if len(batch) < e.cfg.Billing.SyncBatchSize {
			return nil
		}
		if err := pause(ctx, e.cfg.Billing.SyncBatchDelay); err != nil {
			return err
		}
	}
}

func (e *Engine) syncOne(ctx context.Context, sub *models.Subscriber) (string, error) {
	user, err := e.dir.GetUser(ctx, *sub.RemoteID)
	if errors.Is(err, remnawave.ErrNotFound) {
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", err
	}
	expires, active := remoteState(user, e.Now())
	if !cacheDiffers(sub, expires, active) {
		return OutcomeUnchanged, nil
	}

	err = e.store.WithTx(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockSubscriber(ctx, sub.ID)
		if err != nil {
			return err
		}
		if !cacheDiffers(locked, expires, active) {
			return nil
		}
		before := *locked
		locked.ExpiresAt = expires
		locked.IsActive = active
		return tx.SaveSubscriber(ctx, locked, ledger.Change{
			Reason: types.SubscriberChangeReasonRemoteSync,
			Before: &before,
			Extra:  map[string]any{"remote_status": user.Status},
		})
	})
	if err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

func cacheDiffers(sub *models.Subscriber, expires *time.Time, active bool) bool {
	if sub.IsActive != active {
		return true
	}
	switch {
	case sub.ExpiresAt == nil && expires == nil:
		return false
	case sub.ExpiresAt == nil || expires == nil:
		return true
	}
	return !sub.ExpiresAt.Equal(*expires)
}

// RefreshFromRemote pulls one subscriber's directory record into the cache and returns it.
func (e *Engine) RefreshFromRemote(ctx context.Context, sub *models.Subscriber) (*remnawave.User, error) {
	if !sub.HasRemoteBinding() {
		return nil, ErrRemoteBindingMissing
	}
	user, err := e.dir.GetUser(ctx, *sub.RemoteID)
	if err != nil {
		return nil, err
	}
	expires, active := remoteState(user, e.Now())
	err = e.store.WithTx(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockSubscriber(ctx, sub.ID)
		if err != nil {
			return err
		}
		if cacheDiffers(locked, expires, active) {
			before := *locked
			locked.ExpiresAt = expires
			locked.IsActive = active
			if err := tx.SaveSubscriber(ctx, locked, ledger.Change{Reason: types.SubscriberChangeReasonRemoteSync, Before: &before}); err != nil {
				return err
			}
		}
		*sub = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
