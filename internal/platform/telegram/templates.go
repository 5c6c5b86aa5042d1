package telegram

import (
	"fmt"
	"html"
	"strings"
)

// Template names a user-facing message.
type Template string

const (
	TemplatePaymentSucceeded   Template = "payment_succeeded"
	TemplateAutoRenewSucceeded Template = "auto_renew_succeeded"
	TemplateAutoRenewFailed    Template = "auto_renew_failed"
	TemplateExpiringSoon       Template = "expiring_soon"
	TemplateAutoRenewUpcoming  Template = "auto_renew_upcoming"
	TemplateReferralBonus      Template = "referral_bonus"
	TemplateChannelBonus       Template = "channel_bonus"
)

// Params are template substitutions. Values are HTML-escaped on render.
type Params map[string]string

var declineReasons = map[string]string{
	"insufficient_funds":           "insufficient funds on the card",
	"card_expired":                 "the card has expired",
	"permission_revoked":           "the bank revoked permission for automatic payments",
	"payment_method_not_available": "the payment method is not available",
	"payment_creation_failed":      "the payment could not be created",
}

// DeclineReasonText maps a gateway decline reason onto a sentence for the user.
func DeclineReasonText(reason string) string {
	if text, ok := declineReasons[reason]; ok {
		return text
	}
	if reason == "" {
		return "payment error"
	}
	return fmt.Sprintf("payment error (%s)", reason)
}

func cardSuffix(p Params) string {
	if last4 := p["card_last4"]; last4 != "" {
		return " *" + last4
	}
	return ""
}

// Render produces the HTML message body for t.
func Render(t Template, params Params) (string, error) {
	p := make(Params, len(params))
	for k, v := range params {
		p[k] = html.EscapeString(v)
	}
	var b strings.Builder
	switch t {
	case TemplatePaymentSucceeded:
		fmt.Fprintf(&b, "✅ <b>Payment received!</b>\n\nPlan: <b>%s</b>\nDays added: <b>%s</b>\n\n", p["plan_name"], p["days"])
		b.WriteString("Your subscription is active. Enjoy!\n\n<i>If the days are not shown in the app yet, just restart it.</i>")
	case TemplateAutoRenewSucceeded:
		fmt.Fprintf(&b, "✅ <b>Subscription renewed automatically!</b>\n\nDays added: <b>%s</b>\nCharged%s: <b>%s ₽</b>", p["days"], cardSuffix(p), p["amount"])
	case TemplateAutoRenewFailed:
		fmt.Fprintf(&b, "❌ <b>Automatic renewal failed</b>\n\nCard%s\nReason: %s\n\n", cardSuffix(p), html.EscapeString(DeclineReasonText(params["reason"])))
		b.WriteString("Please renew manually or update your payment method.")
	case TemplateExpiringSoon:
		fmt.Fprintf(&b, "⏰ <b>Your VPN subscription expires soon!</b>\n\nLess than %s hours left.\n\n", p["hours_left"])
		b.WriteString("Renew now to keep your access.")
	case TemplateAutoRenewUpcoming:
		fmt.Fprintf(&b, "⏰ <b>Your subscription renews tomorrow.</b>\n\n<b>%s ₽</b> will be charged to card%s.\n\n", p["amount"], cardSuffix(p))
		b.WriteString("You can turn auto-renewal off in the app.")
	case TemplateReferralBonus:
		fmt.Fprintf(&b, "🎁 <b>Referral bonus!</b>\n\nA friend you invited made a purchase. <b>%s days</b> were added to your subscription.", p["days"])
	case TemplateChannelBonus:
		fmt.Fprintf(&b, "🎁 <b>Thanks for subscribing to our channel!</b>\n\n<b>%s days</b> were added to your subscription.", p["days"])
	default:
		return "", fmt.Errorf("telegram: unknown template %q", t)
	}
	return b.String(), nil
}
