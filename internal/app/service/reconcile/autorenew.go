package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/tool"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// Skip reasons reported by AutoRenewEligibility.
const (
	SkipRecentlyRenewed = "recently_renewed"
	SkipMaxAttempts     = "max_attempts"
	SkipInFlight        = "in_flight"
)

// AutoRenewEligibility decides whether sub may be charged now. It returns the
// 1-based attempt number, or a non-empty skip reason.
func (e *Engine) AutoRenewEligibility(ctx context.Context, sub *models.Subscriber) (attempt int, skip string, err error) {
	since := e.Now().Add(-e.cfg.Billing.AttemptWindow)

	renewed, err := e.store.HasSucceededAutoPaymentSince(ctx, sub.ID, since)
	if err != nil {
		return 0, "", err
	}
	if renewed {
		return 0, SkipRecentlyRenewed, nil
	}
	failures, err := e.store.CountCanceledAutoPaymentsSince(ctx, sub.ID, since)
	if err != nil {
		return 0, "", err
	}
	if failures >= e.cfg.Billing.MaxAutoRenewAttempts {
		return 0, SkipMaxAttempts, nil
	}
	inFlight, err := e.store.HasInFlightAutoPaymentSince(ctx, sub.ID, since)
	if err != nil {
		return 0, "", err
	}
	if inFlight {
		return 0, SkipInFlight, nil
	}
	return failures + 1, "", nil
}

func (e *Engine) autoRenew(ctx context.Context, r *JobReport) error {
	start := time.Now()
	plan, err := e.cfg.AutoRenewPlan()
	if err != nil {
		return err
	}
	now := e.Now()
	w := e.cfg.Billing.AutoRenewWindow
	candidates, err := e.store.ListAutoRenewCandidates(ctx, now.Add(-w), now.Add(w))
	if err != nil {
		return err
	}
	r.Candidates = len(candidates)

	for i, sub := range candidates {
		if e.overBudget(start) {
			r.BudgetExceeded = true
			break
		}
		if i > 0 {
			if err := pause(ctx, e.cfg.Billing.CandidateDelay); err != nil {
				return err
			}
		}
		outcome, err := e.renewOne(ctx, sub, plan)
		if err != nil {
			r.fail(fmt.Errorf("subscriber %d: %w", sub.ExternalID, err))
			continue
		}
		r.Outcomes[outcome]++
	}
	return nil
}

// RenewSubscriber runs the auto-renew steps for one subscriber outside the schedule.
func (e *Engine) RenewSubscriber(ctx context.Context, externalID int64) (string, error) {
	plan, err := e.cfg.AutoRenewPlan()
	if err != nil {
		return "", err
	}
	sub, err := e.store.GetSubscriberByExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	return e.renewOne(ctx, sub, plan)
}

func (e *Engine) renewOne(ctx context.Context, sub *models.Subscriber, plan *types.Plan) (string, error) {
	log := logctx.FromCtx(ctx, e.log).With("external_id", sub.ExternalID)
	ctx = logctx.With(ctx, log)

	if !sub.AutoRenewEnabled || !sub.HasPaymentMethod() {
		return OutcomeSkipped, nil
	}
	attempt, skip, err := e.AutoRenewEligibility(ctx, sub)
	if err != nil {
		return "", err
	}
	if skip != "" {
		log.Infow("auto-renew skipped", "reason", skip)
		return OutcomeSkipped, nil
	}

	t := &models.Transaction{
		SubscriberID:     sub.ID,
		ExternalID:       sub.ExternalID,
		PlanID:           plan.ID,
		PlanName:         plan.Name,
		AmountMinorUnits: plan.Price,
		DaysGranted:      plan.Days,
		Status:           types.TransactionStatusPending,
		IsAutoPayment:    true,
		AttemptNumber:    attempt,
		PaymentMethodID:  sub.SavedPaymentMethodID,
	}
	if err := e.store.CreateTransaction(ctx, t); err != nil {
		return "", err
	}

	p, err := e.gw.CreatePayment(ctx, yookassa.CreatePaymentRequest{
		AmountMinor:     plan.Price,
		Description:     yookassa.Description("Auto-renewal: "+plan.Name, sub.ExternalID, lo.FromPtr(sub.Username), ""),
		Metadata:        PaymentMetadata(sub, plan, t),
		PaymentMethodID: *sub.SavedPaymentMethodID,
		IdempotenceKey:  tool.IdempotenceKey("auto_renew", strconv.FormatUint(uint64(sub.ID), 10), strconv.Itoa(attempt), e.Now().Format(time.DateOnly)),
	})
	if err != nil {
		log.Warnw("auto-renew charge creation failed", "attempt", attempt, "error", err)
		return OutcomeFailed, e.recordCreationFailure(ctx, sub, t, err)
	}

	var res ApplyResult
	err = e.store.WithTx(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		locked.GatewayTransactionID = lo.ToPtr(p.ID)
		return e.applyLocked(ctx, tx, locked, p, SourceAutoRenew, &res)
	})
	if err != nil {
		return "", fmt.Errorf("record auto-renew payment %s: %w", p.ID, err)
	}
	e.afterCommit(ctx, &res)

	status := res.Transaction.Status
	log.Infow("auto-renew charge created", "attempt", attempt, "payment_id", p.ID, "status", status, "decline_reason", lo.FromPtr(res.Transaction.DeclineReason))
	switch {
	case status == types.TransactionStatusSucceeded:
		return OutcomeSucceeded, nil
	case status == types.TransactionStatusCanceled:
		return OutcomeDeclined, nil
	default:
		return OutcomePending, nil
	}
}

// recordCreationFailure cancels t with a diagnostic reason and tells the subscriber.
// The failure still counts towards the attempt bound.
func (e *Engine) recordCreationFailure(ctx context.Context, sub *models.Subscriber, t *models.Transaction, cause error) error {
	t.Status = types.TransactionStatusCanceled
	t.DeclineReason = lo.ToPtr(types.DeclinePaymentCreationFailed)
	err := e.store.WithTx(ctx, func(tx *ledger.Store) error {
		if err := tx.SaveTransaction(ctx, t); err != nil {
			return err
		}
		return tx.LogTransactionStatus(ctx, t, SourceAutoRenew, types.TransactionStatusPending)
	})
	e.metrics.Charge(chargeKind(t), "creation_failed")
	e.flush(ctx, []notification{{
		externalID: sub.ExternalID,
		template:   telegram.TemplateAutoRenewFailed,
		params: telegram.Params{
			"reason":     types.DeclinePaymentCreationFailed,
			"card_last4": lo.FromPtr(sub.CardLast4),
		},
	}})
	if err != nil {
		return multierr.Append(cause, err)
	}
	return cause
}

// Metadata keys attached to every charge.
const (
	MetadataTransactionID = "transaction_id"
	MetadataExternalID    = "external_id"
	MetadataPlanID        = "plan_id"
	MetadataAutoPayment   = "is_auto_payment"
)

// PaymentMetadata tags a charge with the local transaction, subscriber and plan.
func PaymentMetadata(sub *models.Subscriber, plan *types.Plan, t *models.Transaction) map[string]string {
	return map[string]string{
		MetadataTransactionID: strconv.FormatUint(uint64(t.ID), 10),
		MetadataExternalID:    strconv.FormatInt(sub.ExternalID, 10),
		MetadataPlanID:        plan.ID,
		MetadataAutoPayment:   strconv.FormatBool(t.IsAutoPayment),
	}
}
