package reconcile

import (
	"context"
	"strconv"

	"github.com/samber/lo"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// GrantChannelBonus extends a subscriber once for joining the channel.
func (e *Engine) GrantChannelBonus(ctx context.Context, externalID int64) (*models.Subscriber, error) {
	days := e.cfg.Billing.ChannelBonusDays
	var sub *models.Subscriber
	err := e.store.WithTx(ctx, func(tx *ledger.Store) error {
		var err error
		sub, err = tx.LockSubscriberByExternalID(ctx, externalID)
		if err != nil {
			return err
		}
		if sub.ChannelBonusReceivedAt != nil {
			return ErrChannelBonusAlreadyGranted
		}
		before := *sub
		if !sub.HasRemoteBinding() {
			if _, err := e.ResolveBinding(ctx, sub); err != nil {
				return err
			}
		}
		user, err := e.ExtendRemote(ctx, *sub.RemoteID, days)
		if err != nil {
			return err
		}
		cacheExtension(sub, user)
		sub.ChannelBonusReceivedAt = lo.ToPtr(e.Now())
		return tx.SaveSubscriber(ctx, sub, ledger.Change{
			Reason: types.SubscriberChangeReasonChannelBonus,
			Before: &before,
			Extra:  map[string]any{"days": days},
		})
	})
	if err != nil {
		return nil, err
	}
	e.flush(ctx, []notification{{
		externalID: sub.ExternalID,
		template:   telegram.TemplateChannelBonus,
		params:     telegram.Params{"days": strconv.Itoa(days)},
	}})
	return sub, nil
}
