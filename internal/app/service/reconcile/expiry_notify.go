package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/samber/lo"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// expiryNotify warns subscribers whose access ends within the notify window, once per
// cooldown. A failed delivery leaves the stamp so the next run retries.
func (e *Engine) expiryNotify(ctx context.Context, r *JobReport) error {
	now := e.Now()
	b := e.cfg.Billing
	subs, err := e.store.ListExpiringUnnotified(ctx, now, b.NotifyWindow, now.Add(-b.NotifyCooldown))
	if err != nil {
		return err
	}
	r.Candidates = len(subs)
	plan, err := e.cfg.AutoRenewPlan()
	if err != nil {
		logctx.FromCtx(ctx, e.log).Warnw("auto-renew notices fall back to expiry warnings", "error", err)
	}

	for i, sub := range subs {
		if i > 0 {
			if err := pause(ctx, b.NotifyDelay); err != nil {
				return err
			}
		}
		tmpl, params := e.expiryMessage(sub, plan)
		if !e.notifier.Notify(ctx, sub.ExternalID, tmpl, params) {
			e.metrics.Notification(string(tmpl), false)
			r.fail(fmt.Errorf("subscriber %d: notification not delivered", sub.ExternalID))
			continue
		}
		e.metrics.Notification(string(tmpl), true)
		if err := e.store.MarkNotified(ctx, sub.ID, now); err != nil {
			r.fail(fmt.Errorf("subscriber %d: %w", sub.ExternalID, err))
			continue
		}
		r.Outcomes[OutcomeNotified]++
	}
	return nil
}

func (e *Engine) expiryMessage(sub *models.Subscriber, plan *types.Plan) (telegram.Template, telegram.Params) {
	if sub.AutoRenewEnabled && sub.HasPaymentMethod() && plan != nil {
		return telegram.TemplateAutoRenewUpcoming, telegram.Params{
			"amount":     yookassa.NewAmount(plan.Price).Value,
			"card_last4": lo.FromPtr(sub.CardLast4),
		}
	}
	hours := math.Ceil(sub.ExpiresAt.Sub(e.Now()).Hours())
	return telegram.TemplateExpiringSoon, telegram.Params{"hours_left": strconv.Itoa(int(hours))}
}
