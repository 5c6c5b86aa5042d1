package middleware

import (
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

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile/reconciletest"
	"github.com/fatflowers/vpnbilling/internal/app/service/subscriber"
	"github.com/fatflowers/vpnbilling/internal/platform/db/dbtest"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/config/configtest"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
)

func init() { gin.SetMode(gin.TestMode) }

func initData(t *testing.T, cfg *config.Config, user string) string {
	t.Helper()
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	v.Set("user", user)
	return telegram.SignInitData(v, cfg.Telegram.BotToken)
}

func newUserRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *ledger.Store) {
	t.Helper()
	log := zap.NewNop().Sugar()
	store := ledger.NewStore(dbtest.Open(t), log)
	dir := reconciletest.NewDirectory()
	engine := reconcile.NewEngine(cfg, log, store, dir, reconciletest.NewGateway(), &reconciletest.Notifier{}, metrics.NewBusinessMetrics(prometheus.NewRegistry()))
	subs := subscriber.NewService(cfg, log, store, engine, dir)

	r := gin.New()
	r.Use(TraceMiddleware(), RequestLoggerMiddleware(log))
	r.GET("/me", TelegramAuth(cfg, subs, log), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"external_id": Subscriber(c).ExternalID})
	})
	return r, store
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTelegramAuth_ValidInitDataRegistersSubscriber(t *testing.T) {
	cfg := configtest.New()
	r, store := newUserRouter(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(InitDataHeader, initData(t, cfg, `{"id":42,"username":"alice","first_name":"Alice"}`))
	w := serve(r, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"external_id":42}`, w.Body.String())
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))

	sub, err := store.GetSubscriberByExternalID(req.Context(), 42)
	require.NoError(t, err)
	require.Equal(t, "alice", *sub.Username)
}

func TestTelegramAuth_Rejects(t *testing.T) {
	cfg := configtest.New()
	r, _ := newUserRouter(t, cfg)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	v, err := url.ParseQuery(initData(t, cfg, `{"id":42}`))
	require.NoError(t, err)
	v.Set("user", `{"id":1}`)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(InitDataHeader, v.Encode())
	w = serve(r, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"code":40100`)
}

func TestTelegramAuth_DebugUserInDev(t *testing.T) {
	cfg := configtest.New()
	cfg.Telegram.DebugUserID = 77
	r, _ := newUserRouter(t, cfg)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"external_id":77}`, w.Body.String())

	cfg.Env = config.EnvProd
	w = serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth(t *testing.T) {
	cfg := configtest.New()
	r := gin.New()
	r.GET("/admin", AdminAuth(cfg, zap.NewNop().Sugar()), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"admin token", map[string]string{"Authorization": "Bearer " + configtest.AdminToken}, http.StatusNoContent},
		{"lowercase scheme", map[string]string{"Authorization": "bearer " + configtest.AdminToken}, http.StatusNoContent},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"admin init data", map[string]string{InitDataHeader: initData(t, cfg, `{"id":1}`)}, http.StatusNoContent},
		{"regular user", map[string]string{InitDataHeader: initData(t, cfg, `{"id":42}`)}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			require.Equal(t, tc.want, serve(r, req).Code)
		})
	}
}
