package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/app/service/statistics"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/pkg/response"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// JobRunner runs a reconciliation job on demand.
type JobRunner interface {
	RunOnce(ctx context.Context, name string) (*reconcile.JobReport, error)
}

type ListTransactionsQuery struct {
	ExternalID    *int64  `form:"external_id"`
	Status        string  `form:"status"`
	PlanID        string  `form:"plan_id"`
	IsAutoPayment *bool   `form:"is_auto_payment"`
	CreatedFrom   *string `form:"created_from"`
	CreatedTo     *string `form:"created_to"`
	From          int     `form:"from"`
	Size          int     `form:"size"`
	SortBy        string  `form:"sort_by"`
	SortOrder     string  `form:"sort_order"`
}

func (q *ListTransactionsQuery) filters() []*types.CommonFilter {
	var out []*types.CommonFilter
	eq := func(field string, v any) {
		out = append(out, &types.CommonFilter{Field: field, Operator: types.CommonFilterOperatorEq, Values: []any{v}})
	}
	if q.ExternalID != nil {
		eq("external_id", *q.ExternalID)
	}
	if q.Status != "" {
		out = append(out, &types.CommonFilter{
			Field:    "status",
			Operator: types.CommonFilterOperatorIn,
			Values:   lo.Map(strings.Split(q.Status, ","), func(s string, _ int) any { return strings.TrimSpace(s) }),
		})
	}
	if q.PlanID != "" {
		eq("plan_id", q.PlanID)
	}
	if q.IsAutoPayment != nil {
		eq("is_auto_payment", *q.IsAutoPayment)
	}
	if q.CreatedFrom != nil {
		out = append(out, &types.CommonFilter{Field: "created_at", Operator: types.CommonFilterOperatorGte, Values: []any{*q.CreatedFrom}})
	}
	if q.CreatedTo != nil {
		out = append(out, &types.CommonFilter{Field: "created_at", Operator: types.CommonFilterOperatorLt, Values: []any{*q.CreatedTo}})
	}
	return out
}

// @Summary      List transactions (Admin)
// @Description  Paginated and filterable list of charges.
// @Tags         Admin
// @Produce      json
// @Param        external_id      query     int     false  "Subscriber external id"
// @Param        status           query     string  false  "Comma separated statuses"
// @Param        plan_id          query     string  false  "Plan id"
// @Param        is_auto_payment  query     bool    false  "Auto-payments only"
// @Param        from             query     int     false  "Offset"
// @Param        size             query     int     false  "Page size (max 200)"
// @Param        sort_by          query     string  false  "id, created_at, paid_at, amount_minor_units or status"
// @Param        sort_order       query     string  false  "asc or desc"
// @Success      200  {object}  handlers.RespListTransactions
// @Router       /api/v1/admin/transactions [get]
func ApiListTransactions(store *ledger.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q ListTransactionsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := store.ScanTransactions(c.Request.Context(), &ledger.ScanTransactionsRequest{
			Filters:   q.filters(),
			From:      q.From,
			Size:      q.Size,
			SortBy:    q.SortBy,
			SortOrder: q.SortOrder,
		})
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type StatsResponse struct {
	Dashboard *statistics.Dashboard                              `json:"dashboard"`
	Series    map[statistics.StatisticType][]statistics.DataItem `json:"series,omitempty"`
}

// @Summary      Dashboard statistics (Admin)
// @Tags         Admin
// @Produce      json
// @Param        series  query     string  false  "Comma separated series: daily_transaction_count, daily_revenue, daily_new_subscribers, auto_renew_success_rate"
// @Success      200     {object}  handlers.RespStats
// @Router       /api/v1/admin/stats [get]
func ApiStats(svc *statistics.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d, err := svc.Dashboard(ctx)
		if err != nil {
			fail(c, log, err)
			return
		}
		out := &StatsResponse{Dashboard: d}
		if s := c.Query("series"); s != "" {
			items := lo.Map(strings.Split(s, ","), func(v string, _ int) statistics.StatisticType {
				return statistics.StatisticType(strings.TrimSpace(v))
			})
			series, err := svc.Series(ctx, &statistics.SeriesRequest{DataItems: items})
			if err != nil {
				badRequest(c, err.Error())
				return
			}
			out.Series = series.DataItems
		}
		c.JSON(http.StatusOK, response.OKT(out))
	}
}

// @Summary      List provisioning gaps (Admin)
// @Description  Paid entitlements that never reached the VPN panel.
// @Tags         Admin
// @Produce      json
// @Param        all    query     bool  false  "Include resolved gaps"
// @Param        limit  query     int   false  "Max rows"
// @Success      200    {object}  handlers.RespGaps
// @Router       /api/v1/admin/gaps [get]
func ApiListGaps(engine *reconcile.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, _ := strconv.ParseBool(c.Query("all"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		gaps, err := engine.ListGaps(c.Request.Context(), !all, limit)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(gaps))
	}
}

// @Summary      Retry provisioning gap (Admin)
// @Tags         Admin
// @Produce      json
// @Param        id   path      int  true  "Gap id"
// @Success      200  {object}  handlers.RespGap
// @Router       /api/v1/admin/gaps/{id}/retry [post]
func ApiRetryGap(engine *reconcile.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			badRequest(c, "invalid id")
			return
		}
		gap, err := engine.RetryGap(c.Request.Context(), uint(id))
		if err != nil {
			code := errorCode(err)
			if gap != nil && code == response.APIResponseCodeError {
				// the attempt was recorded on the gap; the panel is what failed
				code = response.APIResponseCodeUpstream
			}
			c.JSON(code.HTTPStatus(), &response.APIResponse[any]{Code: code, Message: err.Error(), Data: gap})
			return
		}
		c.JSON(http.StatusOK, response.OKT(gap))
	}
}

func externalIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("external_id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid external_id")
		return 0, false
	}
	return id, true
}

// @Summary      Grant channel bonus (Admin)
// @Description  One-time extension for subscribing to the channel.
// @Tags         Admin
// @Produce      json
// @Param        external_id  path      int  true  "Subscriber external id"
// @Success      200          {object}  handlers.RespOK
// @Router       /api/v1/admin/subscribers/{external_id}/channel-bonus [post]
func ApiGrantChannelBonus(engine *reconcile.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := externalIDParam(c)
		if !ok {
			return
		}
		sub, err := engine.GrantChannelBonus(c.Request.Context(), id)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"external_id": sub.ExternalID, "expires_at": sub.ExpiresAt}))
	}
}

type TrafficLimitRequest struct {
	// Bytes of zero removes the limit.
	Bytes *int64 `json:"bytes" binding:"required,gte=0"`
}

// @Summary      Set traffic limit (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        external_id  path      int                  true  "Subscriber external id"
// @Param        request      body      TrafficLimitRequest  true  "Limit in bytes"
// @Success      200          {object}  handlers.RespOK
// @Router       /api/v1/admin/subscribers/{external_id}/traffic-limit [post]
func ApiSetTrafficLimit(subs *subscriber.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := externalIDParam(c)
		if !ok {
			return
		}
		var req TrafficLimitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		user, err := subs.SetTrafficLimit(c.Request.Context(), id, *req.Bytes)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"external_id": id, "traffic_limit_bytes": user.TrafficLimitBytes}))
	}
}

// @Summary      Subscriber audit log (Admin)
// @Description  Before/after snapshots of the subscriber's cached state, newest first.
// @Tags         Admin
// @Produce      json
// @Param        external_id  path      int  true   "Subscriber external id"
// @Param        limit        query     int  false  "Max rows (default 50)"
// @Success      200          {object}  handlers.RespSubscriberLogs
// @Router       /api/v1/admin/subscribers/{external_id}/logs [get]
func ApiSubscriberLogs(store *ledger.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := externalIDParam(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		ctx := c.Request.Context()
		sub, err := store.GetSubscriberByExternalID(ctx, id)
		if err != nil {
			fail(c, log, err)
			return
		}
		rows, err := store.ListSubscriberLogs(ctx, sub.ID, limit)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(rows))
	}
}

// @Summary      Renew subscriber now (Admin)
// @Description  Runs the auto-renew steps for one subscriber with the same skip rules as the scheduled job.
// @Tags         Admin
// @Produce      json
// @Param        external_id  path      int  true  "Subscriber external id"
// @Success      200          {object}  handlers.RespOK
// @Router       /api/v1/admin/subscribers/{external_id}/renew [post]
func ApiRenewSubscriber(engine *reconcile.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := externalIDParam(c)
		if !ok {
			return
		}
		outcome, err := engine.RenewSubscriber(c.Request.Context(), id)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"external_id": id, "outcome": outcome}))
	}
}

// @Summary      Run job now (Admin)
// @Description  Runs a reconciliation job under the same lock as the scheduler.
// @Tags         Admin
// @Produce      json
// @Param        name  path      string  true  "remote_sync, expiry_notify, auto_renew or pending_poll"
// @Success      200   {object}  handlers.RespJobReport
// @Router       /api/v1/admin/jobs/{name}/run [post]
func ApiRunJob(jobs JobRunner, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !lo.Contains(reconcile.JobNames(), name) {
			c.JSON(http.StatusNotFound, response.ErrorMsg(response.APIResponseCodeNotFound, "unknown job "+name))
			return
		}
		report, err := jobs.RunOnce(c.Request.Context(), name)
		if err != nil {
			fail(c, log, err)
			return
		}
		errs := lo.Map(report.Errors(), func(e error, _ int) string { return e.Error() })
		c.JSON(http.StatusOK, response.OKT(gin.H{"report": report, "errors": errs}))
	}
}

func RegisterAdminRoutes(r gin.IRouter, store *ledger.Store, stats *statistics.Service, engine *reconcile.Engine, subs *subscriber.Service, jobs JobRunner, log *zap.SugaredLogger) {
	r.GET("/transactions", ApiListTransactions(store, log))
	r.GET("/stats", ApiStats(stats, log))
	r.GET("/gaps", ApiListGaps(engine, log))
	r.POST("/gaps/:id/retry", ApiRetryGap(engine, log))
	r.POST("/subscribers/:external_id/channel-bonus", ApiGrantChannelBonus(engine, log))
	r.POST("/subscribers/:external_id/traffic-limit", ApiSetTrafficLimit(subs, log))
	r.GET("/subscribers/:external_id/logs", ApiSubscriberLogs(store, log))
	r.POST("/subscribers/:external_id/renew", ApiRenewSubscriber(engine, log))
	r.POST("/jobs/:name/run", ApiRunJob(jobs, log))
}
