package telegram

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeclineReasonText(t *testing.T) {
	require.Equal(t, "insufficient funds on the card", DeclineReasonText("insufficient_funds"))
	require.Equal(t, "the card has expired", DeclineReasonText("card_expired"))
	require.Equal(t, "the bank revoked permission for automatic payments", DeclineReasonText("permission_revoked"))
	require.Equal(t, "the payment method is not available", DeclineReasonText("payment_method_not_available"))
	require.Equal(t, "payment error (fraud_suspected)", DeclineReasonText("fraud_suspected"))
	require.Equal(t, "payment error", DeclineReasonText(""))
}

func TestRender(t *testing.T) {
	text, err := Render(TemplateAutoRenewFailed, Params{"reason": "insufficient_funds", "card_last4": "4242"})
	require.NoError(t, err)
	require.Contains(t, text, "Card *4242")
	require.Contains(t, text, "insufficient funds on the card")

	text, err = Render(TemplatePaymentSucceeded, Params{"plan_name": "<b>x</b>", "days": "30"})
	require.NoError(t, err)
	require.Contains(t, text, "&lt;b&gt;x&lt;/b&gt;")
	require.Contains(t, text, "Days added: <b>30</b>")

	text, err = Render(TemplateAutoRenewUpcoming, Params{"amount": "199"})
	require.NoError(t, err)
	require.Contains(t, text, "<b>199 ₽</b> will be charged to card.")

	_, err = Render(Template("nope"), nil)
	require.Error(t, err)
}
