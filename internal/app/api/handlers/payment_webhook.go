package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	notificationlog "github.com/fatflowers/vpnbilling/internal/app/service/notification_log"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
)

const maxWebhookBody = 1 << 20

func webhookAck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func jsonOrString(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	quoted, _ := json.Marshal(string(body))
	return datatypes.JSON(quoted)
}

// @Summary      Payment gateway webhook
// @Description  Receives gateway payment notifications. Always acknowledged with 200.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload  body      yookassa.WebhookEvent  true  "Gateway notification"
// @Success      200      {object}  map[string]string
// @Router       /api/v1/payments/webhook [post]
func ApiPaymentWebhook(engine *reconcile.Engine, nlog *notificationlog.Service, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logctx.FromGin(c, base)
		ctx := c.Request.Context()
		entry := &models.PaymentNotificationLog{
			TraceID:          c.GetString(logctx.TraceIDKey),
			NotificationTime: time.Now().UTC(),
			Status:           models.PaymentNotificationLogStatusReceived,
		}
		defer func() { nlog.Save(ctx, entry) }()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			log.Warnw("webhook_read_error", "error", err)
			entry.Event = "unreadable"
			entry.Data = jsonOrString(nil)
			entry.Status = models.PaymentNotificationLogStatusIgnored
			webhookAck(c)
			return
		}
		entry.Data = jsonOrString(body)

		ev, err := yookassa.ParseWebhook(body)
		if err != nil {
			log.Warnw("webhook_invalid", "error", err)
			entry.Event = "invalid"
			entry.Status = models.PaymentNotificationLogStatusIgnored
			webhookAck(c)
			return
		}
		entry.Event = ev.Event
		entry.TransactionID = ev.Object.ID
		if id, err := strconv.ParseInt(ev.Object.Metadata[reconcile.MetadataExternalID], 10, 64); err == nil {
			entry.ExternalID = &id
		}
		log = log.With("payment_id", ev.Object.ID, "event", ev.Event)
		log.Infow("webhook_received", "status", ev.Object.Status)

		res, err := engine.ApplyPayment(ctx, &ev.Object, reconcile.SourceWebhook)
		switch {
		case err != nil:
			log.Errorw("webhook_handle_error", "error", err)
			entry.Status = models.PaymentNotificationLogStatusHandleFailed
			entry.Result = resultJSON(map[string]any{"error": err.Error()})
		case !res.Known:
			log.Infow("webhook_unknown_payment")
			entry.Status = models.PaymentNotificationLogStatusIgnored
		default:
			entry.Status = models.PaymentNotificationLogStatusHandled
			entry.Result = resultJSON(map[string]any{
				"transaction_id":    res.Transaction.ID,
				"status":            res.Transaction.Status,
				"settled":           res.Settled,
				"extended":          res.Extended,
				"gap_id":            res.GapID,
				"referral_credited": res.ReferralCredited,
			})
			log.Infow("webhook_handled", "transaction_id", res.Transaction.ID, "settled", res.Settled)
		}
		webhookAck(c)
	}
}

func resultJSON(v map[string]any) *datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := datatypes.JSON(raw)
	return &out
}

func RegisterPaymentWebhookRoutes(r gin.IRouter, engine *reconcile.Engine, nlog *notificationlog.Service, log *zap.SugaredLogger) {
	r.POST("/payments/webhook", ApiPaymentWebhook(engine, nlog, log))
}
