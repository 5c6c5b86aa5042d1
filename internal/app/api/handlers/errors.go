package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/scheduler"
	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/response"
)

func errorCode(err error) response.APIResponseCode {
	var (
		rwErr *remnawave.APIError
		ykErr *yookassa.APIError
	)
	switch {
	case errors.Is(err, checkout.ErrUnknownPlan),
		errors.Is(err, ledger.ErrSubscriberNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound),
		errors.Is(err, ledger.ErrGapNotFound),
		errors.Is(err, remnawave.ErrNotFound):
		return response.APIResponseCodeNotFound
	case errors.Is(err, checkout.ErrTrialAlreadyUsed),
		errors.Is(err, reconcile.ErrChannelBonusAlreadyGranted),
		errors.Is(err, reconcile.ErrGapResolved),
		errors.Is(err, reconcile.ErrRemoteBindingMissing),
		errors.Is(err, scheduler.ErrLockHeld):
		return response.APIResponseCodeConflict
	case errors.Is(err, subscriber.ErrNoPaymentMethod):
		return response.APIResponseCodeBadRequest
	case errors.As(err, &rwErr), errors.As(err, &ykErr):
		return response.APIResponseCodeUpstream
	default:
		return response.APIResponseCodeError
	}
}

// fail writes the error envelope. Unexpected errors are logged and not echoed.
func fail(c *gin.Context, log *zap.SugaredLogger, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == response.APIResponseCodeError {
		logctx.FromGin(c, log).Errorw("request failed", "path", c.FullPath(), "error", err)
		msg = ""
	}
	c.JSON(code.HTTPStatus(), response.ErrorMsg(code, msg))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response.ErrorMsg(response.APIResponseCodeBadRequest, msg))
}
