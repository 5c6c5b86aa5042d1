package reconcile

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile/reconciletest"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

func TestApplyPayment_UnknownTransactionIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("foreign", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.False(t, res.Known)
	require.Empty(t, h.notifier.Sent())
}

func TestApplyPayment_FirstPurchaseCreditsReferrer(t *testing.T) {
	h := newHarness(t)
	referrerExpire := h.now.Add(days(5))
	referrer := h.subscriber(100, &referrerExpire)
	lapsed := h.now.Add(-days(5))
	sub := h.subscriber(200, &lapsed, func(s *models.Subscriber) { s.ReferrerExternalID = lo.ToPtr(int64(100)) })
	tx := h.pending(sub, "month", "pay-month")

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-month", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.True(t, res.Settled)
	require.True(t, res.Extended)
	require.True(t, res.ReferralCredited)

	got := h.reload(sub)
	require.True(t, got.IsActive)
	require.WithinDuration(t, h.now.Add(days(30)), *got.ExpiresAt, time.Millisecond)
	require.False(t, got.TrialUsed)

	remoteReferrer, ok := h.dir.User(*referrer.RemoteID)
	require.True(t, ok)
	require.WithinDuration(t, referrerExpire.Add(days(10)), *remoteReferrer.ExpireAt, time.Millisecond)
	require.WithinDuration(t, referrerExpire.Add(days(10)), *h.reload(referrer).ExpiresAt, time.Millisecond)

	require.EqualValues(t, 1, h.countRows(&models.ReferralCredit{}, "referred_subscriber_id = ?", sub.ID))
	paid := h.transaction(tx.ID)
	require.Equal(t, types.TransactionStatusSucceeded, paid.Status)
	require.NotNil(t, paid.PaidAt)
	require.NotEmpty(t, paid.Metadata)

	require.Equal(t, 1, h.notifier.Count(200, telegram.TemplatePaymentSucceeded))
	require.Equal(t, 1, h.notifier.Count(100, telegram.TemplateReferralBonus))
}

func TestApplyPayment_RedeliveryHasNoSecondEffect(t *testing.T) {
	h := newHarness(t)
	referrerExpire := h.now.Add(days(1))
	referrer := h.subscriber(100, &referrerExpire)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire, func(s *models.Subscriber) { s.ReferrerExternalID = lo.ToPtr(int64(100)) })
	h.pending(sub, "month", "pay-1")

	event := reconciletest.Succeeded("pay-1", "", "")
	first, err := h.engine.ApplyPayment(h.ctx, event, SourceWebhook)
	require.NoError(t, err)
	require.True(t, first.Settled)

	second, err := h.engine.ApplyPayment(h.ctx, event, SourceWebhook)
	require.NoError(t, err)
	require.True(t, second.Known)
	require.False(t, second.Settled)

	require.Equal(t, 1, h.dir.Extensions(*sub.RemoteID))
	require.Equal(t, 1, h.dir.Extensions(*referrer.RemoteID))
	require.EqualValues(t, 1, h.countRows(&models.ReferralCredit{}, "referred_subscriber_id = ?", sub.ID))
	require.Equal(t, 1, h.notifier.Count(200, telegram.TemplatePaymentSucceeded))
	require.WithinDuration(t, expire.Add(days(30)), *h.reload(sub).ExpiresAt, time.Millisecond)
}

func TestApplyPayment_ReferralCreditedOncePerReferredSubscriber(t *testing.T) {
	h := newHarness(t)
	referrerExpire := h.now.Add(days(1))
	referrer := h.subscriber(100, &referrerExpire)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire, func(s *models.Subscriber) { s.ReferrerExternalID = lo.ToPtr(int64(100)) })
	h.pending(sub, "month", "pay-a")
	h.pending(sub, "quarter", "pay-b")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"pay-a", "pay-b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded(id, "", ""), SourceWebhook)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	require.EqualValues(t, 1, h.countRows(&models.ReferralCredit{}, "referred_subscriber_id = ?", sub.ID))
	require.Equal(t, 1, h.dir.Extensions(*referrer.RemoteID))
	require.Equal(t, 2, h.dir.Extensions(*sub.RemoteID))
}

func TestCreditReferral_ExistingCreditShortCircuits(t *testing.T) {
	h := newHarness(t)
	referrerExpire := h.now.Add(days(1))
	referrer := h.subscriber(100, &referrerExpire)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire, func(s *models.Subscriber) { s.ReferrerExternalID = lo.ToPtr(int64(100)) })
	tx := h.pending(sub, "month", "pay-1")

	err := h.store.WithTx(h.ctx, func(tx1 *ledger.Store) error {
		require.NoError(t, tx1.CreateReferralCredit(h.ctx, &models.ReferralCredit{
			ReferrerSubscriberID: referrer.ID, ReferredSubscriberID: sub.ID, TransactionID: tx.ID, BonusDays: 10,
		}))
		_, err := h.engine.creditReferral(h.ctx, tx1, sub, tx)
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	err = h.store.WithTx(h.ctx, func(tx1 *ledger.Store) error {
		return tx1.CreateReferralCredit(h.ctx, &models.ReferralCredit{
			ReferrerSubscriberID: referrer.ID, ReferredSubscriberID: sub.ID, TransactionID: tx.ID, BonusDays: 10,
		})
	})
	require.True(t, ledger.IsDuplicate(err))
	require.Equal(t, 0, h.dir.Extensions(*referrer.RemoteID))
}

func TestApplyPayment_TrialPlanIsNotReferralQualifying(t *testing.T) {
	h := newHarness(t)
	referrerExpire := h.now.Add(days(1))
	referrer := h.subscriber(100, &referrerExpire)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire, func(s *models.Subscriber) { s.ReferrerExternalID = lo.ToPtr(int64(100)) })
	h.pending(sub, "trial", "pay-trial")

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-trial", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.False(t, res.ReferralCredited)
	require.True(t, h.reload(sub).TrialUsed)
	require.Equal(t, 0, h.dir.Extensions(*referrer.RemoteID))
	require.WithinDuration(t, expire.Add(days(3)), *h.reload(sub).ExpiresAt, time.Millisecond)
}

func TestApplyPayment_ExtensionFailureRecordsGap(t *testing.T) {
	h := newHarness(t)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire)
	tx := h.pending(sub, "month", "pay-1")
	h.dir.SetErr = &remnawave.APIError{StatusCode: 502, Message: "bad gateway"}

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-1", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.True(t, res.Settled)
	require.False(t, res.Extended)
	require.NotZero(t, res.GapID)

	paid := h.transaction(tx.ID)
	require.Equal(t, types.TransactionStatusSucceeded, paid.Status)
	require.NotNil(t, paid.PaidAt)
	require.WithinDuration(t, expire, *h.reload(sub).ExpiresAt, time.Millisecond)
	require.Equal(t, 1, h.notifier.Count(200, telegram.TemplatePaymentSucceeded))

	gaps, err := h.engine.ListGaps(h.ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, models.ProvisioningGapKindPurchase, gaps[0].Kind)
	require.Equal(t, 30, gaps[0].Days)
	require.Contains(t, gaps[0].Error, "bad gateway")

	_, err = h.engine.RetryGap(h.ctx, res.GapID)
	require.Error(t, err)

	h.dir.SetErr = nil
	gap, err := h.engine.RetryGap(h.ctx, res.GapID)
	require.NoError(t, err)
	require.True(t, gap.Resolved())
	require.Equal(t, 2, gap.Attempts)
	require.Equal(t, 1, h.dir.Extensions(*sub.RemoteID))
	require.WithinDuration(t, expire.Add(days(30)), *h.reload(sub).ExpiresAt, time.Millisecond)

	_, err = h.engine.RetryGap(h.ctx, res.GapID)
	require.ErrorIs(t, err, ErrGapResolved)
	require.Equal(t, 1, h.dir.Extensions(*sub.RemoteID))

	open, err := h.engine.ListGaps(h.ctx, true, 10)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestApplyPayment_ResolvesBindingByFallbackName(t *testing.T) {
	h := newHarness(t)
	sub := h.subscriber(42, nil, func(s *models.Subscriber) { s.Username = lo.ToPtr("alice") })
	old := h.now.Add(days(3))
	u := h.dir.Add(remnawave.User{Username: "oblepiha_42", ExpireAt: &old})
	h.pending(sub, "month", "pay-1")

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-1", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.True(t, res.Extended)
	require.Equal(t, []string{"oblepiha_42_alice", "oblepiha_42"}, h.dir.Lookups)

	got := h.reload(sub)
	require.Equal(t, u.UUID, *got.RemoteID)
	require.WithinDuration(t, old.Add(days(30)), *got.ExpiresAt, time.Millisecond)
}

func TestApplyPayment_NoBindingRecordsGapAfterBoundedLookups(t *testing.T) {
	h := newHarness(t)
	sub := h.subscriber(42, nil, func(s *models.Subscriber) { s.Username = lo.ToPtr("alice") })
	h.pending(sub, "month", "pay-1")

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-1", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.NotZero(t, res.GapID)
	require.Len(t, h.dir.Lookups, 3)
	require.Nil(t, h.reload(sub).RemoteID)
}

func TestApplyPayment_SavedMethodEnablesAutoRenew(t *testing.T) {
	h := newHarness(t)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire)
	tx := h.pending(sub, "month", "pay-1")

	_, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-1", "pm-1", "4242"), SourceWebhook)
	require.NoError(t, err)

	got := h.reload(sub)
	require.True(t, got.AutoRenewEnabled)
	require.Equal(t, "pm-1", *got.SavedPaymentMethodID)
	require.Equal(t, "4242", *got.CardLast4)
	require.Equal(t, "pm-1", *h.transaction(tx.ID).PaymentMethodID)
}

func TestApplyPayment_TerminalStatusIsFinal(t *testing.T) {
	h := newHarness(t)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire)
	tx := h.pending(sub, "month", "pay-1")

	_, err := h.engine.ApplyPayment(h.ctx, reconciletest.Canceled("pay-1", types.DeclineInsufficientFunds), SourceWebhook)
	require.NoError(t, err)
	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-1", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.False(t, res.Settled)

	got := h.transaction(tx.ID)
	require.Equal(t, types.TransactionStatusCanceled, got.Status)
	require.Nil(t, got.PaidAt)
	require.Equal(t, types.DeclineInsufficientFunds, *got.DeclineReason)
	require.Equal(t, 0, h.dir.Extensions(*sub.RemoteID))
	require.EqualValues(t, 1, h.countRows(&models.TransactionLog{}, "transaction_id = ?", tx.ID))
}

func TestApplyPayment_IntermediateStatusWaitsForSettlement(t *testing.T) {
	h := newHarness(t)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire)
	tx := h.pending(sub, "month", "pay-1")

	p := reconciletest.Succeeded("pay-1", "", "")
	p.Status = "waiting_for_capture"
	res, err := h.engine.ApplyPayment(h.ctx, p, SourceWebhook)
	require.NoError(t, err)
	require.False(t, res.Settled)
	require.Equal(t, types.TransactionStatusAwaitingCapture, h.transaction(tx.ID).Status)
	require.Equal(t, 0, h.dir.Extensions(*sub.RemoteID))
}

func TestApplyPayment_ReferrerWithoutBindingGetsNothing(t *testing.T) {
	h := newHarness(t)
	h.subscriber(100, nil)
	expire := h.now.Add(days(2))
	sub := h.subscriber(200, &expire, func(s *models.Subscriber) { s.ReferrerExternalID = lo.ToPtr(int64(100)) })
	h.pending(sub, "month", "pay-1")

	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-1", "", ""), SourceWebhook)
	require.NoError(t, err)
	require.True(t, res.Extended)
	require.False(t, res.ReferralCredited)
	require.Zero(t, h.countRows(&models.ReferralCredit{}, "referred_subscriber_id = ?", sub.ID))
}

func TestApplyPayment_RejectsPaymentWithoutID(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ApplyPayment(h.ctx, nil, SourceWebhook)
	require.Error(t, err)
	require.False(t, errors.Is(err, ledger.ErrPaymentNotFound))
}
