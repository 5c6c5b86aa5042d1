// Package yookassa is a client for the YooKassa payments API (v3).
package yookassa

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

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/pkg/config"
)

const CurrencyRUB = "RUB"

// ErrPaymentNotFound is returned by GetPayment for unknown ids.
var ErrPaymentNotFound = errors.New("yookassa: payment not found")

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode  int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Parameter   string `json:"parameter"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("yookassa api error: status=%d code=%s description=%s", e.StatusCode, e.Code, e.Description)
}

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// NewAmount formats minor units (kopecks) the way the gateway expects ("199.00").
func NewAmount(minor int64) Amount {
	return Amount{Value: decimal.New(minor, -2).StringFixed(2), Currency: CurrencyRUB}
}

// MinorUnits parses the amount back into kopecks.
func (a Amount) MinorUnits() (int64, error) {
	d, err := decimal.NewFromString(a.Value)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", a.Value, err)
	}
	return d.Shift(2).IntPart(), nil
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type Card struct {
	First6      string `json:"first6"`
	Last4       string `json:"last4"`
	CardType    string `json:"card_type"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
}

type PaymentMethod struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Saved bool   `json:"saved"`
	Title string `json:"title"`
	Card  *Card  `json:"card,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type CancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

// Payment mirrors the gateway payment object.
type Payment struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Paid                bool                 `json:"paid"`
	Amount              Amount               `json:"amount"`
	Description         string               `json:"description"`
	Confirmation        *Confirmation        `json:"confirmation,omitempty"`
	PaymentMethod       *PaymentMethod       `json:"payment_method,omitempty"`
	CancellationDetails *CancellationDetails `json:"cancellation_details,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`

	// Raw is the undecoded object as received.
	Raw json.RawMessage `json:"-"`
}

func (p *Payment) ConfirmationURL() string {
	if p == nil || p.Confirmation == nil {
		return ""
	}
	return p.Confirmation.ConfirmationURL
}

// SavedMethod returns the payment method when the gateway stored it for reuse.
func (p *Payment) SavedMethod() *PaymentMethod {
	if p == nil || p.PaymentMethod == nil || !p.PaymentMethod.Saved || p.PaymentMethod.ID == "" {
		return nil
	}
	return p.PaymentMethod
}

func (p *Payment) DeclineReason() string {
	if p == nil || p.CancellationDetails == nil {
		return ""
	}
	return p.CancellationDetails.Reason
}

// CreatePaymentRequest describes a new charge. A non-empty PaymentMethodID charges a
// saved method without user confirmation.
type CreatePaymentRequest struct {
	AmountMinor       int64
	Description       string
	Metadata          map[string]string
	SavePaymentMethod bool
	CustomerID        string
	PaymentMethodID   string
	IdempotenceKey    string
}

type createPaymentBody struct {
	Amount             Amount            `json:"amount"`
	Capture            bool              `json:"capture"`
	Confirmation       *Confirmation     `json:"confirmation,omitempty"`
	Description        string            `json:"description,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SavePaymentMethod  bool              `json:"save_payment_method,omitempty"`
	MerchantCustomerID string            `json:"merchant_customer_id,omitempty"`
	PaymentMethodID    string            `json:"payment_method_id,omitempty"`
}

// Client calls the gateway with shop credentials. It is safe for concurrent use.
type Client struct {
	baseURL    string
	shopID     string
	secretKey  string
	returnURL  string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewClient(baseURL, shopID, secretKey, returnURL string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		shopID:     shopID,
		secretKey:  secretKey,
		returnURL:  returnURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func New(cfg *config.Config, log *zap.SugaredLogger) *Client {
	yc := cfg.YooKassa
	return NewClient(yc.BaseURL, yc.ShopID, yc.SecretKey, yc.ReturnURL, yc.Timeout, log.Named("yookassa"))
}

// CreatePayment creates a captured charge. The idempotence key makes retries with the
// same key return the original payment.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	if req.IdempotenceKey == "" {
		return nil, errors.New("yookassa: idempotence key is required")
	}
	body := createPaymentBody{
		Amount:      NewAmount(req.AmountMinor),
		Capture:     true,
		Description: TruncateDescription(req.Description),
		Metadata:    req.Metadata,
	}
	if req.PaymentMethodID != "" {
		body.PaymentMethodID = req.PaymentMethodID
	} else {
		body.Confirmation = &Confirmation{Type: "redirect", ReturnURL: c.returnURL}
		if req.SavePaymentMethod {
			body.SavePaymentMethod = true
			body.MerchantCustomerID = req.CustomerID
		}
	}

	var p Payment
	if err := c.do(ctx, http.MethodPost, "/v3/payments", req.IdempotenceKey, body, &p); err != nil {
		return nil, err
	}
	c.log.Infow("yookassa payment created", "payment_id", p.ID, "status", p.Status, "saved_method", req.PaymentMethodID != "")
	return &p, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/v3/payments/"+url.PathEscape(id), "", nil, &p); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotenceKey string, body any, out *Payment) error {
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
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		if apiErr.Description == "" {
			apiErr.Description = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payment: %w", err)
	}
	out.Raw = raw
	return nil
}

var Module = fx.Options(
	fx.Provide(New),
)
