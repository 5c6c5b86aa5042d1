// Package telegram delivers subscriber notifications through the Telegram Bot API
// and validates Mini App init data.
package telegram

import (
	"context"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
)

// Notifier sends a templated message to a subscriber. Delivery failures are
// reported through the return value only.
type Notifier interface {
	Notify(ctx context.Context, externalID int64, t Template, params Params) bool
}

// BotNotifier sends HTML messages with an "open app" button.
type BotNotifier struct {
	bot         *tgbotapi.BotAPI
	frontendURL string
	log         *zap.SugaredLogger
	metrics     *metrics.BusinessMetrics
}

// NewBotAPI builds a client without the getMe round trip that tgbotapi.NewBotAPI performs.
func NewBotAPI(token, endpoint string, timeout time.Duration) *tgbotapi.BotAPI {
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: timeout},
		Buffer: 100,
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot.SetAPIEndpoint(endpoint)
	return bot
}

func NewBotNotifier(bot *tgbotapi.BotAPI, frontendURL string, log *zap.SugaredLogger, m *metrics.BusinessMetrics) *BotNotifier {
	return &BotNotifier{bot: bot, frontendURL: frontendURL, log: log, metrics: m}
}

func (n *BotNotifier) Notify(ctx context.Context, externalID int64, t Template, params Params) bool {
	lg := logctx.FromCtx(ctx, n.log).With("external_id", externalID, "template", t)
	if ctx.Err() != nil {
		lg.Warnw("notification skipped", "err", ctx.Err())
		n.metrics.Notification(string(t), false)
		return false
	}
	text, err := Render(t, params)
	if err != nil {
		lg.Errorw("notification render failed", "err", err)
		n.metrics.Notification(string(t), false)
		return false
	}

	msg := tgbotapi.NewMessage(externalID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if n.frontendURL != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Open VPN app", n.frontendURL)),
		)
	}
	if _, err := n.bot.Send(msg); err != nil {
		lg.Warnw("notification failed", "err", err)
		n.metrics.Notification(string(t), false)
		return false
	}
	lg.Infow("notification sent")
	n.metrics.Notification(string(t), true)
	return true
}

// LogNotifier is used when no bot token is configured. Nothing is delivered.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func (n *LogNotifier) Notify(ctx context.Context, externalID int64, t Template, params Params) bool {
	logctx.FromCtx(ctx, n.log).Infow("notification not delivered: bot disabled", "external_id", externalID, "template", t, "params", params)
	return false
}

func New(cfg *config.Config, log *zap.SugaredLogger, m *metrics.BusinessMetrics) Notifier {
	lg := log.Named("telegram")
	if cfg.Telegram.BotToken == "" {
		lg.Warnw("telegram bot token is empty; notifications are disabled")
		return &LogNotifier{log: lg}
	}
	return NewBotNotifier(NewBotAPI(cfg.Telegram.BotToken, "", 10*time.Second), cfg.Telegram.FrontendURL, lg, m)
}

var Module = fx.Options(
	fx.Provide(New),
)
