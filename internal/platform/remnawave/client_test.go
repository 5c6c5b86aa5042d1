package remnawave

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret-token", 2*time.Second, CreateDefaults{
		TrafficLimitBytes:    500 << 30,
		TrafficLimitStrategy: "MONTH",
		HwidDeviceLimit:      3,
		InternalSquads:       []string{"squad-1"},
	}, zap.NewNop().Sugar())
}

func TestGetUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/users/u-1", r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"response":{"uuid":"u-1","username":"oblepiha_1","status":"ACTIVE","expireAt":"2026-11-01T10:00:00.000Z","subscriptionUrl":"https://sub/x","trafficLimitBytes":10,"userTraffic":{"usedBytes":4}}}`)
	})

	u, err := c.GetUser(t.Context(), "u-1")
	require.NoError(t, err)
	require.Equal(t, "u-1", u.UUID)
	require.Equal(t, "ACTIVE", u.Status)
	require.NotNil(t, u.ExpireAt)
	require.True(t, u.ExpireAt.Equal(time.Date(2026, 11, 1, 10, 0, 0, 0, time.UTC)))
	require.Equal(t, int64(4), u.UserTraffic.UsedBytes)
}

func TestGetUser_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"User not found"}`)
	})

	_, err := c.GetUser(t.Context(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserByUsername_EscapesPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users/by-username/oblepiha_1_a b", r.URL.Path)
		_, _ = io.WriteString(w, `{"response":{"uuid":"u-2","username":"oblepiha_1_a b"}}`)
	})

	u, err := c.GetUserByUsername(t.Context(), "oblepiha_1_a b")
	require.NoError(t, err)
	require.Equal(t, "u-2", u.UUID)
}

func TestCreateUser_AppliesDefaults(t *testing.T) {
	expire := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "oblepiha_7", body["username"])
		require.Equal(t, float64(7), body["telegramId"])
		require.Equal(t, "ACTIVE", body["status"])
		require.Equal(t, "2026-10-15T00:00:00Z", body["expireAt"])
		require.Equal(t, "MONTH", body["trafficLimitStrategy"])
		require.Equal(t, float64(3), body["hwidDeviceLimit"])
		require.Equal(t, []any{"squad-1"}, body["activeInternalSquads"])
		_, _ = io.WriteString(w, `{"response":{"uuid":"u-7","username":"oblepiha_7","subscriptionUrl":"https://sub/7"}}`)
	})

	u, err := c.CreateUser(t.Context(), CreateUserRequest{Username: "oblepiha_7", TelegramID: 7, ExpireAt: expire})
	require.NoError(t, err)
	require.Equal(t, "https://sub/7", u.SubscriptionURL)
}

func TestSetExpiration(t *testing.T) {
	at := time.Date(2026, 12, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/api/users", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "u-1", body["uuid"])
		require.Equal(t, "ACTIVE", body["status"])
		require.Equal(t, "2026-12-01T12:00:00Z", body["expireAt"])
		require.NotContains(t, body, "trafficLimitBytes")
		_, _ = io.WriteString(w, `{"response":{"uuid":"u-1","status":"ACTIVE","expireAt":"2026-12-01T12:00:00Z"}}`)
	})

	u, err := c.SetExpiration(t.Context(), "u-1", at)
	require.NoError(t, err)
	require.True(t, u.ExpireAt.Equal(at))
}

func TestSetTrafficLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, float64(1024), body["trafficLimitBytes"])
		require.NotContains(t, body, "expireAt")
		_, _ = io.WriteString(w, `{"response":{"uuid":"u-1","trafficLimitBytes":1024}}`)
	})

	u, err := c.SetTrafficLimit(t.Context(), "u-1", 1024)
	require.NoError(t, err)
	require.Equal(t, int64(1024), u.TrafficLimitBytes)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"username already exists"}`)
	})

	_, err := c.CreateUser(t.Context(), CreateUserRequest{Username: "dup", TelegramID: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "username already exists", apiErr.Message)
}

func TestTransportErrorIsPlainError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "t", 200*time.Millisecond, CreateDefaults{}, zap.NewNop().Sugar())

	_, err := c.GetUser(t.Context(), "u-1")
	require.Error(t, err)
	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
	require.False(t, errors.Is(err, ErrNotFound))
}
