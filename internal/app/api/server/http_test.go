package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mw "github.com/fatflowers/vpnbilling/internal/app/api/middleware"
	"github.com/fatflowers/vpnbilling/internal/app/scheduler"
	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	notificationlog "github.com/fatflowers/vpnbilling/internal/app/service/notification_log"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile/reconciletest"
	"github.com/fatflowers/vpnbilling/internal/app/service/statistics"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/db/dbtest"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/config/configtest"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
)

type testServer struct {
	t        *testing.T
	cfg      *config.Config
	router   *gin.Engine
	store    *ledger.Store
	dir      *reconciletest.Directory
	gw       *reconciletest.Gateway
	notifier *reconciletest.Notifier
	nlog     *notificationlog.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	cfg := configtest.New()
	db := dbtest.Open(t)
	store := ledger.NewStore(db, log)
	dir := reconciletest.NewDirectory()
	gw := reconciletest.NewGateway()
	notifier := &reconciletest.Notifier{}
	engine := reconcile.NewEngine(cfg, log, store, dir, gw, notifier, metrics.NewBusinessMetrics(prometheus.NewRegistry()))
	nlog := notificationlog.New(db, log)

	p := routeParams{
		Engine:     newEngine(cfg),
		Log:        log,
		Config:     cfg,
		Store:      store,
		Reconciler: engine,
		Subs:       subscriber.NewService(cfg, log, store, engine, dir),
		Checkout:   checkout.NewService(cfg, log, store, gw, engine),
		Stats:      statistics.New(db, cfg),
		NotifyLog:  nlog,
		Scheduler:  scheduler.New(cfg, log, engine, scheduler.NewLocalLocker()),
	}
	routes(p)
	return &testServer{t: t, cfg: cfg, router: p.Engine, store: store, dir: dir, gw: gw, notifier: notifier, nlog: nlog}
}

func (s *testServer) initData(user string) string {
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	v.Set("user", user)
	return telegram.SignInitData(v, s.cfg.Telegram.BotToken)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(method, path string, body any, header map[string]string) (int, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (s *testServer) asUser(id int64, username string) map[string]string {
	return map[string]string{mw.InitDataHeader: s.initData(`{"id":` + strconv.FormatInt(id, 10) + `,"username":"` + username + `"}`)}
}

func adminToken() map[string]string {
	return map[string]string{"Authorization": "Bearer " + configtest.AdminToken}
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(http.MethodGet, "/api/v1/tariffs", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var plans []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &plans))
	require.NotEmpty(t, plans)

	code, env = s.do(http.MethodGet, "/api/v1/tariffs/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40400, env.Code)
}

func TestPurchaseThroughWebhook(t *testing.T) {
	s := newTestServer(t)
	user := s.asUser(42, "alice")

	code, _ := s.do(http.MethodGet, "/api/v1/users/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, env := s.do(http.MethodPost, "/api/v1/payments", map[string]any{"plan_id": "month", "save_method": true}, user)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	var created checkout.PaymentResult
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, "pay-1", created.PaymentID)
	require.Equal(t, "https://pay.test/pay-1", created.ConfirmationURL)
	require.Len(t, s.dir.Created, 1)

	paid := reconciletest.Succeeded("pay-1", "pm-1", "4242")
	paid.Amount = yookassa.NewAmount(created.Plan.Price)
	webhook := map[string]any{"type": "notification", "event": "payment.succeeded", "object": paid}
	for i := 0; i < 2; i++ {
		code, _ = s.do(http.MethodPost, "/api/v1/payments/webhook", webhook, nil)
		require.Equal(t, http.StatusOK, code)
	}
	s.nlog.Wait()

	require.Equal(t, 1, s.notifier.Count(42, telegram.TemplatePaymentSucceeded))
	logs, err := s.nlog.ListByTransaction(context.Background(), "pay-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		require.Equal(t, models.PaymentNotificationLogStatusHandled, l.Status)
		require.Equal(t, "payment.succeeded", l.Event)
	}

	code, env = s.do(http.MethodGet, "/api/v1/payments/"+strconv.FormatUint(uint64(created.TransactionID), 10)+"/status", nil, user)
	require.Equal(t, http.StatusOK, code)
	var tx models.Transaction
	require.NoError(t, json.Unmarshal(env.Data, &tx))
	require.Equal(t, "succeeded", string(tx.Status))
	require.NotNil(t, tx.PaidAt)

	code, env = s.do(http.MethodGet, "/api/v1/users/me/auto-renew", nil, user)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"enabled":true,"has_payment_method":true,"card_last4":"4242","card_brand":"MasterCard"}`, string(env.Data))

	code, _ = s.do(http.MethodPost, "/api/v1/users/me/auto-renew/disable", nil, user)
	require.Equal(t, http.StatusOK, code)
	sub, err := s.store.GetSubscriberByExternalID(context.Background(), 42)
	require.NoError(t, err)
	require.False(t, sub.AutoRenewEnabled)
	require.True(t, sub.IsActive)

	code, env = s.do(http.MethodPost, "/api/v1/admin/subscribers/42/renew", nil, adminToken())
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"external_id":42,"outcome":"skipped"}`, string(env.Data))

	code, env = s.do(http.MethodGet, "/api/v1/admin/subscribers/42/logs", nil, adminToken())
	require.Equal(t, http.StatusOK, code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	reasons := make([]string, 0, len(entries))
	for _, e := range entries {
		reasons = append(reasons, e["reason"].(string))
	}
	require.Contains(t, reasons, "purchase")
	require.Contains(t, reasons, "settings")
}

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	code, _ := s.do(http.MethodPost, "/api/v1/payments/webhook", map[string]any{
		"event":  "payment.succeeded",
		"object": reconciletest.Succeeded("unknown", "", ""),
	}, nil)
	require.Equal(t, http.StatusOK, code)
	s.nlog.Wait()

	logs, err := s.nlog.ListByTransaction(context.Background(), "unknown")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, models.PaymentNotificationLogStatusIgnored, logs[0].Status)
}

func TestAcceptTerms(t *testing.T) {
	s := newTestServer(t)
	user := s.asUser(42, "alice")

	code, _ := s.do(http.MethodPost, "/api/v1/users/me/accept-terms", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, env := s.do(http.MethodPost, "/api/v1/users/me/accept-terms", nil, user)
	require.Equal(t, http.StatusOK, code)
	var accepted struct {
		TermsAcceptedAt time.Time `json:"terms_accepted_at"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	require.WithinDuration(t, time.Now(), accepted.TermsAcceptedAt, time.Minute)

	code, env = s.do(http.MethodGet, "/api/v1/users/me", nil, user)
	require.Equal(t, http.StatusOK, code)
	var me struct {
		TermsAcceptedAt *time.Time `json:"terms_accepted_at"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	require.NotNil(t, me.TermsAcceptedAt)
	require.WithinDuration(t, accepted.TermsAcceptedAt, *me.TermsAcceptedAt, time.Millisecond)
}

func TestPayment_Errors(t *testing.T) {
	s := newTestServer(t)
	user := s.asUser(42, "alice")

	code, env := s.do(http.MethodPost, "/api/v1/payments", map[string]any{"plan_id": "gold"}, user)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40400, env.Code)

	code, _ = s.do(http.MethodPost, "/api/v1/payments", map[string]any{}, user)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/api/v1/payments/abc/status", nil, user)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/api/v1/payments/999/status", nil, user)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodPost, "/api/v1/users/me/auto-renew/enable", nil, user)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(http.MethodGet, "/api/v1/admin/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.do(http.MethodGet, "/api/v1/admin/stats", nil, s.asUser(42, "alice"))
	require.Equal(t, http.StatusForbidden, code)

	code, env := s.do(http.MethodGet, "/api/v1/admin/stats?series=daily_revenue", nil, adminToken())
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(env.Data), `"dashboard"`)

	code, _ = s.do(http.MethodGet, "/api/v1/admin/stats", nil, s.asUser(1, "root"))
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(http.MethodGet, "/api/v1/admin/transactions?status=pending,succeeded&size=10", nil, adminToken())
	require.Equal(t, http.StatusOK, code)
	var page ledger.ScanTransactionsResponse
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Zero(t, page.Total)

	code, _ = s.do(http.MethodGet, "/api/v1/admin/gaps", nil, adminToken())
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodPost, "/api/v1/admin/gaps/12/retry", nil, adminToken())
	require.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodPost, "/api/v1/admin/jobs/pending_poll/run", nil, adminToken())
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodPost, "/api/v1/admin/jobs/nope/run", nil, adminToken())
	require.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodPost, "/api/v1/admin/subscribers/42/traffic-limit", map[string]any{"bytes": 1024}, adminToken())
	require.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(http.MethodPost, "/api/v1/admin/subscribers/42/traffic-limit", map[string]any{"bytes": -1}, adminToken())
	require.Equal(t, http.StatusBadRequest, code)
}
