// Package reconcile keeps local subscriber state, gateway charges and the remote
// directory's expiration clock consistent. Webhooks, status polls and the scheduled
// jobs all go through the Engine.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/internal/platform/telegram"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/metrics"
)

var (
	ErrRemoteBindingMissing       = errors.New("subscriber has no remote binding")
	ErrChannelBonusAlreadyGranted = errors.New("channel bonus already granted")
	ErrGapResolved                = errors.New("provisioning gap already resolved")
)

// Directory is the part of the remote access panel the engine needs.
type Directory interface {
	GetUser(ctx context.Context, uuid string) (*remnawave.User, error)
	GetUserByUsername(ctx context.Context, username string) (*remnawave.User, error)
	SetExpiration(ctx context.Context, uuid string, expireAt time.Time) (*remnawave.User, error)
}

// Gateway creates and reads charges.
type Gateway interface {
	CreatePayment(ctx context.Context, req yookassa.CreatePaymentRequest) (*yookassa.Payment, error)
	GetPayment(ctx context.Context, id string) (*yookassa.Payment, error)
}

type Engine struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	store    *ledger.Store
	dir      Directory
	gw       Gateway
	notifier telegram.Notifier
	metrics  *metrics.BusinessMetrics
	names    []NameCandidate
	now      func() time.Time
}

func NewEngine(cfg *config.Config, log *zap.SugaredLogger, store *ledger.Store, dir Directory, gw Gateway, notifier telegram.Notifier, m *metrics.BusinessMetrics) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      log.Named("reconcile"),
		store:    store,
		dir:      dir,
		gw:       gw,
		notifier: notifier,
		metrics:  m,
		names:    DefaultNameCandidates(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock. Tests use it to pin "now".
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetNameCandidates replaces the ordered remote-name conventions tried when a
// subscriber has no binding.
func (e *Engine) SetNameCandidates(c []NameCandidate) {
	e.names = c
}

// Now returns the engine clock in UTC.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

// pause waits d or until ctx is done. A non-positive d returns at once.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// notification is a message queued during a database transaction and sent after commit.
type notification struct {
	externalID int64
	template   telegram.Template
	params     telegram.Params
}

func (e *Engine) flush(ctx context.Context, queue []notification) {
	for _, n := range queue {
		ok := e.notifier.Notify(ctx, n.externalID, n.template, n.params)
		e.metrics.Notification(string(n.template), ok)
	}
}
