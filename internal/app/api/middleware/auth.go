package middleware

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/response"
)

const (
	InitDataHeader = "X-Telegram-Init-Data"
	subscriberKey  = "subscriber"
)

// Subscriber returns the subscriber authenticated by TelegramAuth.
func Subscriber(c *gin.Context) *models.Subscriber {
	v, ok := c.Get(subscriberKey)
	if !ok {
		return nil
	}
	sub, _ := v.(*models.Subscriber)
	return sub
}

func abort(c *gin.Context, code response.APIResponseCode, msg string) {
	c.AbortWithStatusJSON(code.HTTPStatus(), response.ErrorMsg(code, msg))
}

// identify validates the init data header. In dev a configured debug user stands in for
// a missing header.
func identify(c *gin.Context, cfg *config.Config, now time.Time) (*subscriber.Identity, error) {
	raw := c.GetHeader(InitDataHeader)
	if raw == "" && cfg.Env == config.EnvDev && cfg.Telegram.DebugUserID != 0 {
		return &subscriber.Identity{ExternalID: cfg.Telegram.DebugUserID}, nil
	}
	if raw == "" {
		return nil, telegram.ErrInitDataMissingHash
	}
	data, err := telegram.ValidateInitData(raw, cfg.Telegram.BotToken, cfg.Telegram.InitDataTTL, now)
	if err != nil {
		return nil, err
	}
	return &subscriber.Identity{
		ExternalID: data.User.ID,
		Username:   data.User.Username,
		FirstName:  data.User.FirstName,
		StartParam: data.StartParam,
	}, nil
}

// TelegramAuth authenticates Mini App requests and loads (or creates) the subscriber.
func TelegramAuth(cfg *config.Config, subs *subscriber.Service, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := identify(c, cfg, time.Now())
		if err != nil {
			logctx.FromGin(c, base).Infow("init data rejected", "error", err)
			abort(c, response.APIResponseCodeUnauthorized, "")
			return
		}
		lg := logctx.FromGin(c, base).With("external_id", id.ExternalID)
		setLogger(c, lg)
		c.Set(logctx.ExternalIDKey, id.ExternalID)

		sub, created, err := subs.GetOrCreate(c.Request.Context(), *id)
		if err != nil {
			lg.Errorw("load subscriber", "error", err)
			abort(c, response.APIResponseCodeError, "")
			return
		}
		if created {
			lg.Infow("subscriber registered", "referrer_external_id", lo.FromPtr(sub.ReferrerExternalID))
		}
		c.Set(subscriberKey, sub)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

// AdminAuth accepts the configured admin token or init data of an admin id.
func AdminAuth(cfg *config.Config, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearer(c); token != "" {
			if cfg.AdminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminToken)) == 1 {
				setLogger(c, logctx.FromGin(c, base).With("admin", "token"))
				c.Next()
				return
			}
			abort(c, response.APIResponseCodeUnauthorized, "")
			return
		}
		id, err := identify(c, cfg, time.Now())
		if err != nil {
			abort(c, response.APIResponseCodeUnauthorized, "")
			return
		}
		if !cfg.IsAdmin(id.ExternalID) {
			logctx.FromGin(c, base).Warnw("admin access denied", "external_id", id.ExternalID)
			abort(c, response.APIResponseCodeForbidden, "")
			return
		}
		setLogger(c, logctx.FromGin(c, base).With("admin", id.ExternalID))
		c.Next()
	}
}
