package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

func (e *Engine) ListGaps(ctx context.Context, openOnly bool, limit int) ([]*models.ProvisioningGap, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.ListGaps(ctx, openOnly, limit)
}

// RetryGap re-issues the extension a provisioning gap is owed. The gap row is locked and
// marked resolved in the same transaction, so the days are granted at most once. A failed
// attempt is recorded on the gap and returned.
func (e *Engine) RetryGap(ctx context.Context, id uint) (*models.ProvisioningGap, error) {
	log := logctx.FromCtx(ctx, e.log).With("gap_id", id)
	var (
		gap      *models.ProvisioningGap
		retryErr error
	)
	err := e.store.WithTx(ctx, func(tx *ledger.Store) error {
		var err error
		gap, err = tx.LockGap(ctx, id)
		if err != nil {
			return err
		}
		if gap.Resolved() {
			return ErrGapResolved
		}
		sub, err := tx.LockSubscriber(ctx, gap.SubscriberID)
		if err != nil {
			return err
		}
		before := *sub
		gap.Attempts++

		if !sub.HasRemoteBinding() {
			if _, err := e.ResolveBinding(ctx, sub); err != nil {
				retryErr = err
			}
		}
		if retryErr == nil {
			user, err := e.ExtendRemote(ctx, *sub.RemoteID, gap.Days)
			if err != nil {
				retryErr = err
			} else {
				cacheExtension(sub, user)
				if err := tx.SaveSubscriber(ctx, sub, ledger.Change{
					Reason: types.SubscriberChangeReasonGapRetry,
					Before: &before,
					Extra:  map[string]any{"gap_id": gap.ID, "transaction_id": gap.TransactionID, "days": gap.Days},
				}); err != nil {
					return err
				}
				gap.ResolvedAt = lo.ToPtr(e.Now())
			}
		}
		if retryErr != nil {
			gap.Error = retryErr.Error()
		}
		return tx.SaveGap(ctx, gap)
	})
	if errors.Is(err, ledger.ErrGapNotFound) || errors.Is(err, ErrGapResolved) {
		return gap, err
	}
	if err != nil {
		return nil, fmt.Errorf("retry gap %d: %w", id, err)
	}
	if retryErr != nil {
		log.Warnw("gap retry failed", "attempts", gap.Attempts, "error", retryErr)
		return gap, retryErr
	}
	log.Infow("gap resolved", "external_id", gap.ExternalID, "days", gap.Days, "attempts", gap.Attempts)
	return gap, nil
}
