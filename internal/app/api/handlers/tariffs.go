package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/pkg/response"
)

// @Summary      List tariffs
// @Tags         Tariffs
// @Produce      json
// @Success      200  {object}  handlers.RespPlans
// @Router       /api/v1/tariffs [get]
func ApiListTariffs(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, response.OKT(svc.Plans()))
	}
}

// @Summary      Get tariff
// @Tags         Tariffs
// @Produce      json
// @Param        id   path      string  true  "Plan id"
// @Success      200  {object}  handlers.RespPlan
// @Router       /api/v1/tariffs/{id} [get]
func ApiGetTariff(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		plan, err := svc.Plan(c.Param("id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(plan))
	}
}

func RegisterTariffRoutes(r gin.IRouter, svc *checkout.Service, log *zap.SugaredLogger) {
	r.GET("/tariffs", ApiListTariffs(svc))
	r.GET("/tariffs/:id", ApiGetTariff(svc, log))
}
