// Package remnawave is an HTTP client for the Remnawave panel user API.
package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/pkg/config"
)

// ErrNotFound is returned when the panel has no user for the requested key.
var ErrNotFound = errors.New("remnawave: user not found")

// APIError is a non-2xx answer from the panel.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remnawave api error: status=%d message=%s", e.StatusCode, e.Message)
}

// User is the subset of the panel user record the service relies on.
type User struct {
	UUID              string      `json:"uuid"`
	ShortUUID         string      `json:"shortUuid"`
	Username          string      `json:"username"`
	Status            string      `json:"status"`
	ExpireAt          *time.Time  `json:"expireAt"`
	TelegramID        *int64      `json:"telegramId"`
	SubscriptionURL   string      `json:"subscriptionUrl"`
	TrafficLimitBytes int64       `json:"trafficLimitBytes"`
	UserTraffic       UserTraffic `json:"userTraffic"`
}

type UserTraffic struct {
	UsedBytes int64 `json:"usedBytes"`
}

type CreateUserRequest struct {
	Username             string    `json:"username"`
	TelegramID           int64     `json:"telegramId"`
	Status               string    `json:"status"`
	ExpireAt             time.Time `json:"expireAt"`
	TrafficLimitBytes    int64     `json:"trafficLimitBytes"`
	TrafficLimitStrategy string    `json:"trafficLimitStrategy,omitempty"`
	HwidDeviceLimit      int       `json:"hwidDeviceLimit,omitempty"`
	ActiveInternalSquads []string  `json:"activeInternalSquads,omitempty"`
}

type updateUserRequest struct {
	UUID              string     `json:"uuid"`
	Status            string     `json:"status,omitempty"`
	ExpireAt          *time.Time `json:"expireAt,omitempty"`
	TrafficLimitBytes *int64     `json:"trafficLimitBytes,omitempty"`
}

type envelope[T any] struct {
	Response T `json:"response"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Client talks to the panel with a bearer token. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	defaults   CreateDefaults
	log        *zap.SugaredLogger
}

// CreateDefaults are applied to every user created by CreateUser.
type CreateDefaults struct {
	TrafficLimitBytes    int64
	TrafficLimitStrategy string
	HwidDeviceLimit      int
	InternalSquads       []string
}

func NewClient(baseURL, token string, timeout time.Duration, defaults CreateDefaults, log *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		defaults:   defaults,
		log:        log,
	}
}

// New builds the client from application config.
func New(cfg *config.Config, log *zap.SugaredLogger) *Client {
	rc := cfg.Remnawave
	return NewClient(rc.BaseURL, rc.Token, rc.Timeout, CreateDefaults{
		TrafficLimitBytes:    rc.TrafficLimitBytes,
		TrafficLimitStrategy: rc.TrafficStrategy,
		HwidDeviceLimit:      rc.DeviceLimit,
		InternalSquads:       rc.InternalSquadUUIDs,
	}, log.Named("remnawave"))
}

// GetUser fetches a user by panel uuid.
func (c *Client) GetUser(ctx context.Context, uuid string) (*User, error) {
	var out envelope[*User]
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, ErrNotFound
	}
	return out.Response, nil
}

// GetUserByUsername fetches a user by panel username.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var out envelope[*User]
	if err := c.do(ctx, http.MethodGet, "/api/users/by-username/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, ErrNotFound
	}
	return out.Response, nil
}

// CreateUser creates an active user expiring at expireAt. Zero-value request
// limits are filled from the client defaults.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	if req.Status == "" {
		req.Status = "ACTIVE"
	}
	if req.TrafficLimitBytes == 0 {
		req.TrafficLimitBytes = c.defaults.TrafficLimitBytes
	}
	if req.TrafficLimitStrategy == "" {
		req.TrafficLimitStrategy = c.defaults.TrafficLimitStrategy
	}
	if req.HwidDeviceLimit == 0 {
		req.HwidDeviceLimit = c.defaults.HwidDeviceLimit
	}
	if len(req.ActiveInternalSquads) == 0 {
		req.ActiveInternalSquads = c.defaults.InternalSquads
	}
	req.ExpireAt = req.ExpireAt.UTC()

	var out envelope[*User]
	if err := c.do(ctx, http.MethodPost, "/api/users", req, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "empty create response"}
	}
	c.log.Infow("remnawave user created", "username", req.Username, "uuid", out.Response.UUID)
	return out.Response, nil
}

// SetExpiration pushes a new expiration and ACTIVE status.
func (c *Client) SetExpiration(ctx context.Context, uuid string, expireAt time.Time) (*User, error) {
	at := expireAt.UTC()
	var out envelope[*User]
	if err := c.do(ctx, http.MethodPatch, "/api/users", updateUserRequest{UUID: uuid, Status: "ACTIVE", ExpireAt: &at}, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, ErrNotFound
	}
	return out.Response, nil
}

// SetTrafficLimit changes the user's traffic cap; zero means unlimited.
func (c *Client) SetTrafficLimit(ctx context.Context, uuid string, bytes int64) (*User, error) {
	var out envelope[*User]
	if err := c.do(ctx, http.MethodPatch, "/api/users", updateUserRequest{UUID: uuid, TrafficLimitBytes: &bytes}, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, ErrNotFound
	}
	return out.Response, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remnawave %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: eb.Message, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var Module = fx.Options(
	fx.Provide(New),
)
