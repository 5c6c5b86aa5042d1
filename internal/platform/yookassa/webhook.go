package yookassa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	EventPaymentSucceeded         = "payment.succeeded"
	EventPaymentCanceled          = "payment.canceled"
	EventPaymentWaitingForCapture = "payment.waiting_for_capture"
)

// WebhookEvent is the notification envelope posted by the gateway.
type WebhookEvent struct {
	Type   string  `json:"type"`
	Event  string  `json:"event"`
	Object Payment `json:"object"`
}

type rawWebhookEvent struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

// ParseWebhook decodes a notification body. The payment's Raw field holds the object JSON.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var raw rawWebhookEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if len(raw.Object) == 0 {
		return nil, errors.New("decode webhook: missing object")
	}
	ev := &WebhookEvent{Type: raw.Type, Event: raw.Event}
	if err := json.Unmarshal(raw.Object, &ev.Object); err != nil {
		return nil, fmt.Errorf("decode webhook object: %w", err)
	}
	if ev.Object.ID == "" {
		return nil, errors.New("decode webhook: object id is empty")
	}
	ev.Object.Raw = raw.Object
	return ev, nil
}

const maxDescriptionRunes = 128

// TruncateDescription trims to the gateway's 128 character limit.
func TruncateDescription(s string) string {
	if utf8.RuneCountInString(s) <= maxDescriptionRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxDescriptionRunes-3]) + "..."
}

// Description builds "<title> | <external id> | @<username>[ | invited by <referrer>]".
func Description(title string, externalID int64, username, referrer string) string {
	parts := []string{title, fmt.Sprint(externalID)}
	if u := strings.TrimPrefix(username, "@"); u != "" {
		parts = append(parts, "@"+u)
	}
	if referrer != "" {
		parts = append(parts, "invited by "+referrer)
	}
	return TruncateDescription(strings.Join(parts, " | "))
}
