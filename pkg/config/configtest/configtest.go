// Package configtest builds valid configurations for tests without reading files or env.
package configtest

import (
	"time"

	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

const AdminToken = "admin-token"

// New returns a validated config with all pacing delays set to zero.
func New() *config.Config {
	return &config.Config{
		Env:      config.EnvDev,
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 8888},
		Database: config.DBConfig{DSN: "sqlite"},
		Plans:    types.DefaultPlans(),
		Remnawave: config.RemnawaveConfig{
			BaseURL:        "http://panel.test",
			Token:          "panel-token",
			Timeout:        time.Second,
			UsernamePrefix: "oblepiha",
		},
		YooKassa: config.YooKassaConfig{
			BaseURL:   "http://gateway.test",
			ShopID:    "shop",
			SecretKey: "secret",
			ReturnURL: "https://t.me/example_bot",
			Timeout:   time.Second,
		},
		Telegram: config.TelegramConfig{
			BotToken:    "123:test",
			InitDataTTL: time.Hour,
		},
		Billing: config.BillingConfig{
			AutoRenewPlanID:      "month",
			MaxAutoRenewAttempts: 3,
			AutoRenewWindow:      time.Hour,
			AttemptWindow:        24 * time.Hour,
			ReferralBonusDays:    10,
			ChannelBonusDays:     3,
			SyncBatchSize:        2,
			NotifyWindow:         24 * time.Hour,
			NotifyCooldown:       23 * time.Hour,
			PendingStaleAfter:    15 * time.Minute,
			PendingGiveUpAfter:   72 * time.Hour,
			MaxNameCandidates:    3,
		},
		Scheduler: config.SchedulerConfig{
			RemoteSync:   "0 */6 * * *",
			ExpiryNotify: "0 * * * *",
			AutoRenew:    "30 * * * *",
			PendingPoll:  "*/10 * * * *",
			StopTimeout:  time.Second,
		},
		AdminIDs:   []int64{1},
		AdminToken: AdminToken,
	}
}
