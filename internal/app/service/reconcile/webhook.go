package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"gorm.io/datatypes"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// Sources recorded in the transaction log.
const (
	SourceWebhook   = "webhook"
	SourcePoll      = "poll"
	SourceAutoRenew = "auto_renew"
)

// ApplyResult describes what applying one gateway payment did.
type ApplyResult struct {
	// Known is false when no local transaction carries the gateway id.
	Known       bool                `json:"known"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	// Settled is true only for the delivery that first moved the transaction into paid.
	Settled          bool `json:"settled"`
	Extended         bool `json:"extended"`
	GapID            uint `json:"gap_id,omitempty"`
	ReferralCredited bool `json:"referral_credited"`

	notifications []notification
	gaps          []models.ProvisioningGapKind
}

// ApplyPayment merges the gateway's view of a payment into the ledger. Every delivery
// updates status and metadata; days are granted only on the first transition into a paid
// success, guarded by paid_at. Notifications go out after the ledger commits.
func (e *Engine) ApplyPayment(ctx context.Context, p *yookassa.Payment, source string) (*ApplyResult, error) {
	if p == nil || p.ID == "" {
		return nil, errors.New("payment without id")
	}
	res := &ApplyResult{}
	err := e.store.WithTx(ctx, func(tx *ledger.Store) error {
		t, err := tx.LockTransactionByGatewayID(ctx, p.ID)
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			t, err = e.adoptByMetadata(ctx, tx, p, source)
		}
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return e.applyLocked(ctx, tx, t, p, source, res)
	})
	if err != nil {
		return nil, fmt.Errorf("apply payment %s: %w", p.ID, err)
	}
	if !res.Known {
		logctx.FromCtx(ctx, e.log).Infow("payment for unknown transaction acknowledged", "payment_id", p.ID, "status", p.Status)
	}
	e.afterCommit(ctx, res)
	return res, nil
}

// adoptByMetadata binds p to the local transaction named in its metadata when the gateway
// id was never recorded locally. The row must still lack a gateway id and agree with p on
// subscriber and amount. A row canceled locally as never created is reopened as pending.
func (e *Engine) adoptByMetadata(ctx context.Context, tx *ledger.Store, p *yookassa.Payment, source string) (*models.Transaction, error) {
	id, err := strconv.ParseUint(p.Metadata[MetadataTransactionID], 10, 64)
	if err != nil {
		return nil, ledger.ErrPaymentNotFound
	}
	t, err := tx.LockTransaction(ctx, uint(id))
	if err != nil {
		return nil, err
	}
	log := logctx.FromCtx(ctx, e.log).With("transaction_id", t.ID, "payment_id", p.ID)
	amount, amountErr := p.Amount.MinorUnits()
	switch {
	case t.GatewayTransactionID != nil:
		log.Warnw("metadata names a transaction bound to another payment", "bound_to", *t.GatewayTransactionID)
		return nil, ledger.ErrPaymentNotFound
	case p.Metadata[MetadataExternalID] != strconv.FormatInt(t.ExternalID, 10):
		log.Warnw("metadata subscriber does not match transaction", "metadata_external_id", p.Metadata[MetadataExternalID])
		return nil, ledger.ErrPaymentNotFound
	case amountErr != nil || amount != t.AmountMinorUnits:
		log.Warnw("payment amount does not match transaction", "amount", p.Amount.Value, "expected_minor", t.AmountMinorUnits)
		return nil, ledger.ErrPaymentNotFound
	}

	t.GatewayTransactionID = lo.ToPtr(p.ID)
	if t.Status == types.TransactionStatusCanceled && lo.FromPtr(t.DeclineReason) == types.DeclinePaymentCreationFailed {
		prev := t.Status
		t.Status = types.TransactionStatusPending
		t.DeclineReason = nil
		if err := tx.SaveTransaction(ctx, t); err != nil {
			return nil, err
		}
		if err := tx.LogTransactionStatus(ctx, t, source, prev); err != nil {
			return nil, err
		}
		log.Warnw("transaction canceled as never created reopened by gateway payment")
	}
	log.Infow("gateway payment bound to transaction by metadata")
	return t, nil
}

func (e *Engine) afterCommit(ctx context.Context, res *ApplyResult) {
	for _, kind := range res.gaps {
		e.metrics.ProvisioningGap(string(kind))
	}
	e.flush(ctx, res.notifications)
}

// applyLocked runs with t locked inside tx.
func (e *Engine) applyLocked(ctx context.Context, tx *ledger.Store, t *models.Transaction, p *yookassa.Payment, source string, res *ApplyResult) error {
	log := logctx.FromCtx(ctx, e.log).With("transaction_id", t.ID, "payment_id", p.ID, "source", source)
	res.Known = true
	res.Transaction = t

	prev := t.Status
	next, ok := types.ParseGatewayStatus(p.Status)
	switch {
	case !ok:
		log.Warnw("unknown gateway status, keeping current", "gateway_status", p.Status)
		next = prev
	case prev.IsTerminal() && next != prev:
		log.Warnw("terminal status is final, ignoring change", "from", prev, "to", next)
		next = prev
	}

	t.Status = next
	if len(p.Raw) > 0 {
		t.Metadata = datatypes.JSON(p.Raw)
	}
	if pm := p.SavedMethod(); pm != nil {
		t.PaymentMethodID = lo.ToPtr(pm.ID)
	}
	if next == types.TransactionStatusCanceled && t.DeclineReason == nil {
		if reason := p.DeclineReason(); reason != "" {
			t.DeclineReason = lo.ToPtr(reason)
		}
	}
	settle := next == types.TransactionStatusSucceeded && p.Paid && t.PaidAt == nil
	if settle {
		t.PaidAt = lo.ToPtr(e.Now())
	}
	if err := tx.SaveTransaction(ctx, t); err != nil {
		return err
	}
	if prev != next {
		if err := tx.LogTransactionStatus(ctx, t, source, prev); err != nil {
			return err
		}
		e.metrics.Charge(chargeKind(t), string(next))
		log.Infow("transaction status changed", "from", prev, "to", next)
	}

	if next == types.TransactionStatusCanceled && prev != next && t.IsAutoPayment {
		sub, err := tx.GetSubscriber(ctx, t.SubscriberID)
		if err != nil {
			return err
		}
		res.notifications = append(res.notifications, notification{
			externalID: t.ExternalID,
			template:   telegram.TemplateAutoRenewFailed,
			params: telegram.Params{
				"reason":     lo.FromPtr(t.DeclineReason),
				"card_last4": lo.FromPtr(sub.CardLast4),
			},
		})
	}
	if !settle {
		return nil
	}
	res.Settled = true
	return e.settle(ctx, tx, t, p, res)
}

// settle grants the paid days and everything that follows from a first successful charge.
func (e *Engine) settle(ctx context.Context, tx *ledger.Store, t *models.Transaction, p *yookassa.Payment, res *ApplyResult) error {
	log := logctx.FromCtx(ctx, e.log).With("transaction_id", t.ID, "external_id", t.ExternalID)

	sub, err := tx.LockSubscriber(ctx, t.SubscriberID)
	if err != nil {
		return err
	}
	before := *sub
	reason := types.SubscriberChangeReasonPurchase
	if t.IsAutoPayment {
		reason = types.SubscriberChangeReasonAutoRenew
	}

	var provisionErr error
	if !sub.HasRemoteBinding() {
		_, provisionErr = e.ResolveBinding(ctx, sub)
	}
	if sub.HasRemoteBinding() {
		user, err := e.ExtendRemote(ctx, *sub.RemoteID, t.DaysGranted)
		if err == nil {
			cacheExtension(sub, user)
			res.Extended = true
		}
		provisionErr = err
	}
	if provisionErr != nil {
		gap := &models.ProvisioningGap{
			Kind:          models.ProvisioningGapKindPurchase,
			SubscriberID:  sub.ID,
			ExternalID:    sub.ExternalID,
			TransactionID: t.ID,
			Days:          t.DaysGranted,
			Error:         provisionErr.Error(),
		}
		if err := tx.CreateGap(ctx, gap); err != nil {
			return err
		}
		res.GapID = gap.ID
		res.gaps = append(res.gaps, gap.Kind)
		log.Errorw("paid transaction not provisioned, gap recorded", "gap_id", gap.ID, "days", t.DaysGranted, "error", provisionErr)
	}

	plan := e.cfg.GetPlanByID(t.PlanID)
	if plan.IsTrial() {
		sub.TrialUsed = true
	}
	if pm := p.SavedMethod(); pm != nil {
		sub.SavedPaymentMethodID = lo.ToPtr(pm.ID)
		if pm.Card != nil {
			sub.CardLast4 = lo.EmptyableToPtr(pm.Card.Last4)
			sub.CardBrand = lo.EmptyableToPtr(pm.Card.CardType)
		} else {
			sub.CardLast4 = nil
			sub.CardBrand = lo.EmptyableToPtr(pm.Title)
		}
		sub.AutoRenewEnabled = true
	}
	if err := tx.SaveSubscriber(ctx, sub, ledger.Change{
		Reason: reason,
		Before: &before,
		Extra:  map[string]any{"transaction_id": t.ID, "days": t.DaysGranted, "extended": res.Extended},
	}); err != nil {
		return err
	}

	if t.IsAutoPayment {
		res.notifications = append(res.notifications, notification{
			externalID: sub.ExternalID,
			template:   telegram.TemplateAutoRenewSucceeded,
			params: telegram.Params{
				"days":       strconv.Itoa(t.DaysGranted),
				"amount":     yookassa.NewAmount(t.AmountMinorUnits).Value,
				"card_last4": lo.FromPtr(sub.CardLast4),
			},
		})
	} else {
		res.notifications = append(res.notifications, notification{
			externalID: sub.ExternalID,
			template:   telegram.TemplatePaymentSucceeded,
			params: telegram.Params{
				"plan_name": t.PlanName,
				"days":      strconv.Itoa(t.DaysGranted),
			},
		})
	}

	if plan.QualifiesForReferral() && sub.ReferrerExternalID != nil {
		var out *referralOutcome
		err := tx.WithTx(ctx, func(rtx *ledger.Store) error {
			var err error
			out, err = e.creditReferral(ctx, rtx, sub, t)
			return err
		})
		switch {
		case errors.Is(err, errAlreadyCredited):
			log.Infow("referral already credited", "referrer_external_id", *sub.ReferrerExternalID)
		case err != nil:
			log.Warnw("referral credit failed", "referrer_external_id", *sub.ReferrerExternalID, "error", err)
		case out != nil:
			res.ReferralCredited = true
			if out.gap != nil {
				res.gaps = append(res.gaps, out.gap.Kind)
			}
			if out.notify != nil {
				res.notifications = append(res.notifications, *out.notify)
			}
		}
	}
	return nil
}

func chargeKind(t *models.Transaction) string {
	if t.IsAutoPayment {
		return "auto"
	}
	return "user"
}
