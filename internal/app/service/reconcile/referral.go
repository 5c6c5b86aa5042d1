package reconcile

import (
	"context"
	"errors"
	"strconv"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// errAlreadyCredited rolls the savepoint back after a unique violation, which leaves a
// postgres transaction unusable until rolled back.
var errAlreadyCredited = errors.New("referral already credited")

type referralOutcome struct {
	gap    *models.ProvisioningGap
	notify *notification
}

// creditReferral grants the referrer bonus for referred's qualifying purchase t.
// It runs in its own savepoint; a nil outcome with a nil error means nothing was owed.
// The unique index on referred_subscriber_id makes the credit at-most-once even when two
// purchases race past the existence check.
func (e *Engine) creditReferral(ctx context.Context, tx *ledger.Store, referred *models.Subscriber, t *models.Transaction) (*referralOutcome, error) {
	log := logctx.FromCtx(ctx, e.log).With("referred_id", referred.ID, "referrer_external_id", *referred.ReferrerExternalID)

	exists, err := tx.HasReferralCredit(ctx, referred.ID)
	if err != nil || exists {
		return nil, err
	}
	referrer, err := tx.LockSubscriberByExternalID(ctx, *referred.ReferrerExternalID)
	if errors.Is(err, ledger.ErrSubscriberNotFound) {
		log.Infow("referrer not found, no bonus")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if referrer.ID == referred.ID || !referrer.HasRemoteBinding() {
		log.Infow("referrer has no remote binding, no bonus")
		return nil, nil
	}

	days := e.cfg.Billing.ReferralBonusDays
	credit := &models.ReferralCredit{
		ReferrerSubscriberID: referrer.ID,
		ReferredSubscriberID: referred.ID,
		TransactionID:        t.ID,
		BonusDays:            days,
	}
	if err := tx.CreateReferralCredit(ctx, credit); err != nil {
		if ledger.IsDuplicate(err) {
			return nil, errAlreadyCredited
		}
		return nil, err
	}

	out := &referralOutcome{}
	before := *referrer
	user, err := e.ExtendRemote(ctx, *referrer.RemoteID, days)
	if err != nil {
		out.gap = &models.ProvisioningGap{
			Kind:          models.ProvisioningGapKindReferral,
			SubscriberID:  referrer.ID,
			ExternalID:    referrer.ExternalID,
			TransactionID: t.ID,
			Days:          days,
			Error:         err.Error(),
		}
		if err := tx.CreateGap(ctx, out.gap); err != nil {
			return nil, err
		}
		log.Errorw("referral bonus not provisioned, gap recorded", "gap_id", out.gap.ID, "error", err)
		return out, nil
	}
	cacheExtension(referrer, user)
	if err := tx.SaveSubscriber(ctx, referrer, ledger.Change{
		Reason: types.SubscriberChangeReasonReferralBonus,
		Before: &before,
		Extra:  map[string]any{"referred_id": referred.ID, "transaction_id": t.ID, "days": days},
	}); err != nil {
		return nil, err
	}
	out.notify = &notification{
		externalID: referrer.ExternalID,
		template:   telegram.TemplateReferralBonus,
		params:     telegram.Params{"days": strconv.Itoa(days)},
	}
	log.Infow("referral bonus credited", "days", days)
	return out, nil
}
