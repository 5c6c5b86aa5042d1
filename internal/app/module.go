package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/vpnbilling/internal/app/api/server"
	"github.com/fatflowers/vpnbilling/internal/app/scheduler"
	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	notificationlog "github.com/fatflowers/vpnbilling/internal/app/service/notification_log"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/app/service/statistics"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/internal/platform/db"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/logger"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	// DefaultStopTimeout covers the scheduler waiting for an in-flight tick.
	DefaultStopTimeout = 45 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	metrics.Module,
	db.Module,
	remnawave.Module,
	yookassa.Module,
	telegram.Module,
	ledger.Module,
	reconcile.Module,
	subscriber.Module,
	checkout.Module,
	statistics.Module,
	notificationlog.Module,
	scheduler.Module,
	server.Module,
)
