package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/docs"
	"github.com/fatflowers/vpnbilling/internal/app/api/handlers"
	mw "github.com/fatflowers/vpnbilling/internal/app/api/middleware"
	"github.com/fatflowers/vpnbilling/internal/app/scheduler"
	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	notificationlog "github.com/fatflowers/vpnbilling/internal/app/service/notification_log"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/app/service/statistics"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	cfgpkg "github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
)

func newEngine(cfg *cfgpkg.Config) *gin.Engine {
	if cfg.Env == cfgpkg.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type routeParams struct {
	fx.In

	Engine     *gin.Engine
	Log        *zap.SugaredLogger
	Config     *cfgpkg.Config
	Store      *ledger.Store
	Reconciler *reconcile.Engine
	Subs       *subscriber.Service
	Checkout   *checkout.Service
	Stats      *statistics.Service
	NotifyLog  *notificationlog.Service
	Scheduler  *scheduler.Scheduler
}

func routes(p routeParams) {
	r, log := p.Engine, p.Log
	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterTariffRoutes(apiV1, p.Checkout, log)
	handlers.RegisterPaymentWebhookRoutes(apiV1, p.Reconciler, p.NotifyLog, log)

	// Mini App group authenticated by init data
	user := apiV1.Group("")
	user.Use(mw.TelegramAuth(p.Config, p.Subs, log))
	handlers.RegisterUserRoutes(user, p.Subs, log)
	handlers.RegisterPaymentRoutes(user, p.Checkout, log)

	admin := apiV1.Group("/admin")
	admin.Use(mw.AdminAuth(p.Config, log))
	handlers.RegisterAdminRoutes(admin, p.Store, p.Stats, p.Reconciler, p.Subs, p.Scheduler, log)
}

func registerRoutes(lc fx.Lifecycle, p routeParams) {
	// Prometheus metrics
	if p.Config.MetricsAddr != "" {
		prom := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return "unmatched"
			},
			Logger: p.Log,
		})
		prom.SetListenAddress(p.Config.MetricsAddr)
		prom.Use(p.Engine)
		lc.Append(fx.Hook{OnStop: prom.Shutdown})

		p.Log.Infow("metrics started", "addr", p.Config.MetricsAddr)
	}
	routes(p)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
