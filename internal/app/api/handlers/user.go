package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/fatflowers/vpnbilling/internal/app/api/middleware"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/pkg/response"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// @Summary      Current subscriber
// @Description  Profile of the authenticated subscriber, refreshed from the VPN panel when reachable.
// @Tags         User
// @Produce      json
// @Param        X-Telegram-Init-Data  header  string  true  "Mini App init data"
// @Success      200  {object}  handlers.RespSubscriber
// @Router       /api/v1/users/me [get]
func ApiMe(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := subs.Profile(c.Request.Context(), mw.Subscriber(c).ExternalID)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(info))
	}
}

type autoRenewAction func(c *gin.Context, externalID int64) (*types.AutoRenewInfo, error)

func autoRenewHandler(log *zap.SugaredLogger, action autoRenewAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := action(c, mw.Subscriber(c).ExternalID)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(info))
	}
}

// @Summary      Auto-renew status
// @Tags         User
// @Produce      json
// @Success      200  {object}  handlers.RespAutoRenew
// @Router       /api/v1/users/me/auto-renew [get]
func ApiAutoRenewStatus(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return autoRenewHandler(log, func(c *gin.Context, id int64) (*types.AutoRenewInfo, error) {
		return subs.AutoRenewStatus(c.Request.Context(), id)
	})
}

// @Summary      Enable auto-renew
// @Description  Requires a payment method saved during an earlier purchase.
// @Tags         User
// @Produce      json
// @Success      200  {object}  handlers.RespAutoRenew
// @Router       /api/v1/users/me/auto-renew/enable [post]
func ApiEnableAutoRenew(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return autoRenewHandler(log, func(c *gin.Context, id int64) (*types.AutoRenewInfo, error) {
		return subs.SetAutoRenew(c.Request.Context(), id, true)
	})
}

// @Summary      Disable auto-renew
// @Tags         User
// @Produce      json
// @Success      200  {object}  handlers.RespAutoRenew
// @Router       /api/v1/users/me/auto-renew/disable [post]
func ApiDisableAutoRenew(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return autoRenewHandler(log, func(c *gin.Context, id int64) (*types.AutoRenewInfo, error) {
		return subs.SetAutoRenew(c.Request.Context(), id, false)
	})
}

// @Summary      Delete saved payment method
// @Tags         User
// @Produce      json
// @Success      200  {object}  handlers.RespAutoRenew
// @Router       /api/v1/users/me/auto-renew/payment-method [delete]
func ApiDeletePaymentMethod(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return autoRenewHandler(log, func(c *gin.Context, id int64) (*types.AutoRenewInfo, error) {
		return subs.DeletePaymentMethod(c.Request.Context(), id)
	})
}

type TermsAccepted struct {
	TermsAcceptedAt time.Time `json:"terms_accepted_at"`
}

// @Summary      Accept terms of use
// @Description  Stores the current time as the subscriber's acceptance of the terms.
// @Tags         User
// @Produce      json
// @Success      200  {object}  handlers.RespTermsAccepted
// @Router       /api/v1/users/me/accept-terms [post]
func ApiAcceptTerms(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		at, err := subs.AcceptTerms(c.Request.Context(), mw.Subscriber(c).ExternalID)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(TermsAccepted{TermsAcceptedAt: at}))
	}
}

func RegisterUserRoutes(r gin.IRouter, subs *subscriber.Service, log *zap.SugaredLogger) {
	r.GET("/users/me", ApiMe(subs, log))
	r.POST("/users/me/accept-terms", ApiAcceptTerms(subs, log))
	r.GET("/users/me/auto-renew", ApiAutoRenewStatus(subs, log))
	r.POST("/users/me/auto-renew/enable", ApiEnableAutoRenew(subs, log))
	r.POST("/users/me/auto-renew/disable", ApiDisableAutoRenew(subs, log))
	r.DELETE("/users/me/auto-renew/payment-method", ApiDeletePaymentMethod(subs, log))
}
