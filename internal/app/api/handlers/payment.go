package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/fatflowers/vpnbilling/internal/app/api/middleware"
	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/pkg/response"
)

type CreatePaymentRequest struct {
	PlanID     string `json:"plan_id" binding:"required"`
	SaveMethod bool   `json:"save_method"`
}

// @Summary      Create payment
// @Description  Starts a charge for a tariff and returns the gateway confirmation URL.
// @Tags         Payment
// @Accept       json
// @Produce      json
// @Param        request  body      CreatePaymentRequest  true  "Plan and save_method flag"
// @Success      200      {object}  handlers.RespPayment
// @Router       /api/v1/payments [post]
func ApiCreatePayment(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svc.CreatePayment(c.Request.Context(), mw.Subscriber(c).ExternalID, req.PlanID, req.SaveMethod)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Payment history
// @Tags         Payment
// @Produce      json
// @Param        limit  query     int  false  "Max rows (default 50)"
// @Success      200    {object}  handlers.RespTransactions
// @Router       /api/v1/payments/history [get]
func ApiPaymentHistory(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		rows, err := svc.History(c.Request.Context(), mw.Subscriber(c).ExternalID, limit)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(rows))
	}
}

// @Summary      Payment status
// @Description  Polls the gateway for an unsettled payment and applies the result.
// @Tags         Payment
// @Produce      json
// @Param        id   path      int  true  "Transaction id"
// @Success      200  {object}  handlers.RespTransaction
// @Router       /api/v1/payments/{id}/status [get]
func ApiPaymentStatus(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			badRequest(c, "invalid id")
			return
		}
		t, err := svc.PollStatus(c.Request.Context(), mw.Subscriber(c).ExternalID, uint(id))
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(t))
	}
}

func RegisterPaymentRoutes(r gin.IRouter, svc *checkout.Service, log *zap.SugaredLogger) {
	r.POST("/payments", ApiCreatePayment(svc, log))
	r.GET("/payments/history", ApiPaymentHistory(svc, log))
	r.GET("/payments/:id/status", ApiPaymentStatus(svc, log))
}
