// Package reconciletest provides in-memory directory, gateway and notifier fakes.
package reconciletest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
)

// Directory is an in-memory remote panel.
type Directory struct {
	mu      sync.Mutex
	users   map[string]*remnawave.User
	seq     int
	extends map[string]int

	// Errors injected into the next calls; nil means succeed.
	GetErr    error
	SetErr    error
	CreateErr error

	Created []remnawave.CreateUserRequest
	Lookups []string
}

func NewDirectory() *Directory {
	return &Directory{users: map[string]*remnawave.User{}, extends: map[string]int{}}
}

// Add stores u, assigning a uuid when empty, and returns a copy.
func (d *Directory) Add(u remnawave.User) remnawave.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.UUID == "" {
		d.seq++
		u.UUID = fmt.Sprintf("uuid-%d", d.seq)
	}
	if u.Status == "" {
		u.Status = "ACTIVE"
	}
	cp := u
	d.users[u.UUID] = &cp
	return u
}

// User returns a copy of the stored record.
func (d *Directory) User(uuid string) (remnawave.User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[uuid]
	if !ok {
		return remnawave.User{}, false
	}
	return *u, true
}

// Extensions counts SetExpiration calls for uuid.
func (d *Directory) Extensions(uuid string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extends[uuid]
}

func (d *Directory) GetUser(ctx context.Context, uuid string) (*remnawave.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.GetErr != nil {
		return nil, d.GetErr
	}
	u, ok := d.users[uuid]
	if !ok {
		return nil, remnawave.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *Directory) GetUserByUsername(ctx context.Context, username string) (*remnawave.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Lookups = append(d.Lookups, username)
	if d.GetErr != nil {
		return nil, d.GetErr
	}
	for _, u := range d.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, remnawave.ErrNotFound
}

func (d *Directory) CreateUser(ctx context.Context, req remnawave.CreateUserRequest) (*remnawave.User, error) {
	d.mu.Lock()
	if d.CreateErr != nil {
		d.mu.Unlock()
		return nil, d.CreateErr
	}
	d.Created = append(d.Created, req)
	for _, u := range d.users {
		if u.Username == req.Username {
			d.mu.Unlock()
			return nil, &remnawave.APIError{StatusCode: http.StatusBadRequest, Message: "User username already exists"}
		}
	}
	d.mu.Unlock()
	at := req.ExpireAt.UTC()
	tg := req.TelegramID
	u := d.Add(remnawave.User{
		Username:          req.Username,
		Status:            req.Status,
		ExpireAt:          &at,
		TelegramID:        &tg,
		TrafficLimitBytes: req.TrafficLimitBytes,
	})
	u.SubscriptionURL = "https://sub.test/" + u.UUID
	d.mu.Lock()
	d.users[u.UUID].SubscriptionURL = u.SubscriptionURL
	d.mu.Unlock()
	return &u, nil
}

func (d *Directory) SetExpiration(ctx context.Context, uuid string, expireAt time.Time) (*remnawave.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SetErr != nil {
		return nil, d.SetErr
	}
	u, ok := d.users[uuid]
	if !ok {
		return nil, remnawave.ErrNotFound
	}
	at := expireAt.UTC()
	u.ExpireAt = &at
	u.Status = "ACTIVE"
	d.extends[uuid]++
	cp := *u
	return &cp, nil
}

func (d *Directory) SetTrafficLimit(ctx context.Context, uuid string, bytes int64) (*remnawave.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[uuid]
	if !ok {
		return nil, remnawave.ErrNotFound
	}
	u.TrafficLimitBytes = bytes
	cp := *u
	return &cp, nil
}

// Gateway is an in-memory payment gateway. Respond decides the answer to CreatePayment;
// by default charges are pending with a confirmation URL.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	payments map[string]*yookassa.Payment

	Respond  func(req yookassa.CreatePaymentRequest, id string) (*yookassa.Payment, error)
	Requests []yookassa.CreatePaymentRequest
}

func NewGateway() *Gateway {
	return &Gateway{payments: map[string]*yookassa.Payment{}}
}

func (g *Gateway) CreatePayment(ctx context.Context, req yookassa.CreatePaymentRequest) (*yookassa.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	g.seq++
	id := fmt.Sprintf("pay-%d", g.seq)
	var (
		p   *yookassa.Payment
		err error
	)
	if g.Respond != nil {
		p, err = g.Respond(req, id)
	} else {
		p = &yookassa.Payment{
			ID:           id,
			Status:       "pending",
			Amount:       yookassa.NewAmount(req.AmountMinor),
			Confirmation: &yookassa.Confirmation{Type: "redirect", ConfirmationURL: "https://pay.test/" + id},
			Metadata:     req.Metadata,
		}
	}
	if err != nil {
		return nil, err
	}
	p.Raw = marshal(p)
	g.payments[p.ID] = p
	return p, nil
}

func (g *Gateway) GetPayment(ctx context.Context, id string) (*yookassa.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[id]
	if !ok {
		return nil, yookassa.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

// Set replaces the gateway's view of a payment.
func (g *Gateway) Set(p *yookassa.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Raw = marshal(p)
	g.payments[p.ID] = p
}

func (g *Gateway) RequestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Requests)
}

// Succeeded builds a paid payment. A non-empty methodID marks the method as saved.
func Succeeded(id, methodID, last4 string) *yookassa.Payment {
	p := &yookassa.Payment{ID: id, Status: "succeeded", Paid: true}
	if methodID != "" {
		p.PaymentMethod = &yookassa.PaymentMethod{
			Type:  "bank_card",
			ID:    methodID,
			Saved: true,
			Card:  &yookassa.Card{Last4: last4, CardType: "MasterCard"},
		}
	}
	p.Raw = marshal(p)
	return p
}

// Canceled builds a declined payment.
func Canceled(id, reason string) *yookassa.Payment {
	p := &yookassa.Payment{
		ID:                  id,
		Status:              "canceled",
		CancellationDetails: &yookassa.CancellationDetails{Party: "payment_network", Reason: reason},
	}
	p.Raw = marshal(p)
	return p
}

func marshal(p *yookassa.Payment) json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

type Sent struct {
	ExternalID int64
	Template   telegram.Template
	Params     telegram.Params
}

// Notifier records every message. Fail makes deliveries report false.
type Notifier struct {
	mu   sync.Mutex
	Fail bool
	sent []Sent
}

func (n *Notifier) Notify(ctx context.Context, externalID int64, t telegram.Template, params telegram.Params) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Sent{ExternalID: externalID, Template: t, Params: params})
	return !n.Fail
}

func (n *Notifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Count returns how many messages with template t went to externalID.
func (n *Notifier) Count(externalID int64, t telegram.Template) int {
	c := 0
	for _, s := range n.Sent() {
		if s.ExternalID == externalID && s.Template == t {
			c++
		}
	}
	return c
}
