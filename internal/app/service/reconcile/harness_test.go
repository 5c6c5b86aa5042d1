package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile/reconciletest"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/db/dbtest"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/config/configtest"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	cfg      *config.Config
	store    *ledger.Store
	dir      *reconciletest.Directory
	gw       *reconciletest.Gateway
	notifier *reconciletest.Notifier
	engine   *Engine
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		cfg:      configtest.New(),
		store:    ledger.NewStore(dbtest.Open(t), log),
		dir:      reconciletest.NewDirectory(),
		gw:       reconciletest.NewGateway(),
		notifier: &reconciletest.Notifier{},
		now:      time.Now().UTC().Truncate(time.Second),
	}
	h.engine = NewEngine(h.cfg, log, h.store, h.dir, h.gw, h.notifier, metrics.NewBusinessMetrics(prometheus.NewRegistry()))
	h.engine.SetClock(func() time.Time { return h.now })
	return h
}

// subscriber stores a local subscriber. A non-nil remoteExpire also creates and binds a
// directory record expiring then.
func (h *harness) subscriber(externalID int64, remoteExpire *time.Time, mutate ...func(*models.Subscriber)) *models.Subscriber {
	h.t.Helper()
	sub := &models.Subscriber{
		ExternalID:   externalID,
		Username:     lo.ToPtr(fmt.Sprintf("user%d", externalID)),
		ReferralCode: fmt.Sprintf("REF%d", externalID),
	}
	if remoteExpire != nil {
		u := h.dir.Add(remnawave.User{Username: fmt.Sprintf("oblepiha_%d", externalID), ExpireAt: remoteExpire})
		sub.RemoteID = lo.ToPtr(u.UUID)
		sub.ExpiresAt = remoteExpire
		sub.IsActive = remoteExpire.After(h.now)
	}
	for _, m := range mutate {
		m(sub)
	}
	require.NoError(h.t, h.store.CreateSubscriber(h.ctx, sub))
	return sub
}

func (h *harness) reload(sub *models.Subscriber) *models.Subscriber {
	h.t.Helper()
	got, err := h.store.GetSubscriber(h.ctx, sub.ID)
	require.NoError(h.t, err)
	return got
}

// pending stores a user-initiated pending transaction for planID with a gateway id.
func (h *harness) pending(sub *models.Subscriber, planID, gatewayID string) *models.Transaction {
	h.t.Helper()
	plan := h.cfg.GetPlanByID(planID)
	require.NotNil(h.t, plan)
	tx := &models.Transaction{
		GatewayTransactionID: lo.ToPtr(gatewayID),
		SubscriberID:         sub.ID,
		ExternalID:           sub.ExternalID,
		PlanID:               plan.ID,
		PlanName:             plan.Name,
		AmountMinorUnits:     plan.Price,
		DaysGranted:          plan.Days,
		Status:               types.TransactionStatusPending,
		AttemptNumber:        1,
	}
	require.NoError(h.t, h.store.CreateTransaction(h.ctx, tx))
	return tx
}

func (h *harness) autoPayment(sub *models.Subscriber, status types.TransactionStatus, at time.Time) *models.Transaction {
	h.t.Helper()
	tx := &models.Transaction{
		SubscriberID:     sub.ID,
		ExternalID:       sub.ExternalID,
		PlanID:           "month",
		PlanName:         "1 month",
		AmountMinorUnits: 19900,
		DaysGranted:      30,
		Status:           status,
		IsAutoPayment:    true,
		AttemptNumber:    1,
		CreatedAt:        at,
	}
	if status == types.TransactionStatusSucceeded {
		tx.PaidAt = lo.ToPtr(at)
	}
	require.NoError(h.t, h.store.CreateTransaction(h.ctx, tx))
	return tx
}

func (h *harness) transaction(id uint) *models.Transaction {
	h.t.Helper()
	tx, err := h.store.GetTransaction(h.ctx, id)
	require.NoError(h.t, err)
	return tx
}

func (h *harness) countRows(model any, query string, args ...any) int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.store.DB(h.ctx).Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
