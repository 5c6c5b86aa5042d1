package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

const pendingPollLimit = 200

// pendingPoll asks the gateway about charges whose webhook never arrived and applies
// the answer through the webhook path. Rows that never reached the gateway are canceled.
func (e *Engine) pendingPoll(ctx context.Context, r *JobReport) error {
	now := e.Now()
	b := e.cfg.Billing
	log := logctx.FromCtx(ctx, e.log)

	abandoned, err := e.store.ListAbandoned(ctx, now.Add(-b.PendingStaleAfter), pendingPollLimit)
	if err != nil {
		return err
	}
	for _, t := range abandoned {
		err := e.store.WithTx(ctx, func(tx *ledger.Store) error {
			locked, err := tx.LockTransaction(ctx, t.ID)
			if err != nil {
				return err
			}
			if locked.Status != types.TransactionStatusPending || locked.GatewayTransactionID != nil {
				return nil
			}
			locked.Status = types.TransactionStatusCanceled
			locked.DeclineReason = lo.ToPtr(types.DeclinePaymentCreationFailed)
			if err := tx.SaveTransaction(ctx, locked); err != nil {
				return err
			}
			return tx.LogTransactionStatus(ctx, locked, SourcePoll, types.TransactionStatusPending)
		})
		if err != nil {
			r.fail(fmt.Errorf("abandoned transaction %d: %w", t.ID, err))
			continue
		}
		log.Warnw("abandoned transaction canceled", "transaction_id", t.ID)
		r.Outcomes[OutcomeDeclined]++
	}

	unsettled, err := e.store.ListUnsettled(ctx, now.Add(-b.PendingGiveUpAfter), now.Add(-b.PendingStaleAfter), pendingPollLimit)
	if err != nil {
		return err
	}
	r.Candidates = len(abandoned) + len(unsettled)
	for _, t := range unsettled {
		p, err := e.gw.GetPayment(ctx, *t.GatewayTransactionID)
		if errors.Is(err, yookassa.ErrPaymentNotFound) {
			log.Warnw("gateway does not know pending transaction", "transaction_id", t.ID, "payment_id", *t.GatewayTransactionID)
			r.Outcomes[OutcomeMissing]++
			continue
		}
		if err != nil {
			r.fail(fmt.Errorf("transaction %d: %w", t.ID, err))
			continue
		}
		res, err := e.ApplyPayment(ctx, p, SourcePoll)
		if err != nil {
			r.fail(fmt.Errorf("transaction %d: %w", t.ID, err))
			continue
		}
		if !res.Known {
			r.Outcomes[OutcomeMissing]++
			continue
		}
		switch res.Transaction.Status {
		case types.TransactionStatusSucceeded:
			r.Outcomes[OutcomeSucceeded]++
		case types.TransactionStatusCanceled:
			r.Outcomes[OutcomeDeclined]++
		default:
			r.Outcomes[OutcomePending]++
		}
	}
	return nil
}
