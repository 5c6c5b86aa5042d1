package reconcile

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile/reconciletest"
)

func TestRefreshFromRemote_KeepsSettlementFromStaleCopy(t *testing.T) {
	h := newHarness(t)
	expire := h.now.Add(days(1))
	sub := h.subscriber(42, &expire)
	stale := h.reload(sub)

	h.pending(sub, "trial", "pay-trial")
	res, err := h.engine.ApplyPayment(h.ctx, reconciletest.Succeeded("pay-trial", "pm-1", "4242"), SourceWebhook)
	require.NoError(t, err)
	require.True(t, res.Settled)

	panelExpire := h.now.Add(days(30))
	u, ok := h.dir.User(*sub.RemoteID)
	require.True(t, ok)
	u.ExpireAt = &panelExpire
	h.dir.Add(u)

	user, err := h.engine.RefreshFromRemote(h.ctx, stale)
	require.NoError(t, err)
	require.Equal(t, *sub.RemoteID, user.UUID)
	require.True(t, stale.TrialUsed)
	require.True(t, stale.ExpiresAt.Equal(panelExpire))

	got := h.reload(sub)
	require.True(t, got.TrialUsed)
	require.True(t, got.AutoRenewEnabled)
	require.Equal(t, "pm-1", lo.FromPtr(got.SavedPaymentMethodID))
	require.Equal(t, "4242", lo.FromPtr(got.CardLast4))
	require.True(t, got.ExpiresAt.Equal(panelExpire))
	require.True(t, got.IsActive)
}

func TestRefreshFromRemote_RequiresBinding(t *testing.T) {
	h := newHarness(t)
	sub := h.subscriber(42, nil)

	_, err := h.engine.RefreshFromRemote(h.ctx, sub)
	require.ErrorIs(t, err, ErrRemoteBindingMissing)
}
