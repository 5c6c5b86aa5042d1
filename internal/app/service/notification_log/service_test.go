package notification_log

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/db/dbtest"
)

func TestSave_PersistsAndLists(t *testing.T) {
	svc := New(dbtest.Open(t), zap.NewNop().Sugar())
	ctx := context.Background()
	now := time.Now().UTC()

	svc.Save(ctx, &models.PaymentNotificationLog{
		Event:            "payment.waiting_for_capture",
		TransactionID:    "pay-1",
		NotificationTime: now.Add(-time.Minute),
		Data:             datatypes.JSON(`{"object":{"id":"pay-1"}}`),
		Status:           models.PaymentNotificationLogStatusHandled,
	})
	svc.Save(ctx, &models.PaymentNotificationLog{
		Event:            "payment.succeeded",
		TransactionID:    "pay-1",
		NotificationTime: now,
		Data:             datatypes.JSON(`{"object":{"id":"pay-1"}}`),
		Status:           models.PaymentNotificationLogStatusHandleFailed,
	})
	svc.Save(ctx, nil)
	svc.Wait()

	rows, err := svc.ListByTransaction(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "payment.waiting_for_capture", rows[0].Event)
	require.NotEmpty(t, rows[0].ID)
	require.Equal(t, models.PaymentNotificationLogStatusHandleFailed, rows[1].Status)

	rows, err = svc.ListByTransaction(ctx, "pay-2")
	require.NoError(t, err)
	require.Empty(t, rows)
}
