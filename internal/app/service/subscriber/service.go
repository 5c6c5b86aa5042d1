package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/tool"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

var ErrNoPaymentMethod = errors.New("no saved payment method")

const (
	referralPrefix     = "ref_"
	referralCodeLength = 8
	codeAttempts       = 5
)

// Provisioner creates and tunes directory records.
type Provisioner interface {
	CreateUser(ctx context.Context, req remnawave.CreateUserRequest) (*remnawave.User, error)
	SetTrafficLimit(ctx context.Context, uuid string, bytes int64) (*remnawave.User, error)
}

// Identity is an authenticated caller as reported by the messaging platform.
type Identity struct {
	ExternalID int64
	Username   string
	FirstName  string
	// StartParam is the launch parameter, "ref_<code>" for referral links.
	StartParam string
}

type Service struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	store  *ledger.Store
	engine *reconcile.Engine
	remote Provisioner
}

func NewService(cfg *config.Config, log *zap.SugaredLogger, store *ledger.Store, engine *reconcile.Engine, remote Provisioner) *Service {
	return &Service{cfg: cfg, log: log.Named("subscriber"), store: store, engine: engine, remote: remote}
}

// GetOrCreate returns the subscriber for id, creating and provisioning it on first access.
func (s *Service) GetOrCreate(ctx context.Context, id Identity) (*models.Subscriber, bool, error) {
	sub, err := s.store.GetSubscriberByExternalID(ctx, id.ExternalID)
	if err == nil {
		return sub, false, s.refreshProfile(ctx, sub, id)
	}
	if !errors.Is(err, ledger.ErrSubscriberNotFound) {
		return nil, false, err
	}

	sub = &models.Subscriber{
		ExternalID: id.ExternalID,
		Username:   lo.EmptyableToPtr(strings.TrimPrefix(id.Username, "@")),
		FirstName:  lo.EmptyableToPtr(id.FirstName),
	}
	if referrer := s.referrer(ctx, id); referrer != nil {
		sub.ReferrerExternalID = lo.ToPtr(referrer.ExternalID)
	}
	if err := s.create(ctx, sub); err != nil {
		if ledger.IsDuplicate(err) {
			existing, getErr := s.store.GetSubscriberByExternalID(ctx, id.ExternalID)
			return existing, false, getErr
		}
		return nil, false, err
	}
	s.provision(ctx, sub)
	return sub, true, nil
}

// create inserts sub with a fresh referral code, retrying code collisions.
func (s *Service) create(ctx context.Context, sub *models.Subscriber) error {
	var err error
	for i := 0; i < codeAttempts; i++ {
		sub.ReferralCode = tool.GenerateReferralCode(referralCodeLength)
		err = s.store.CreateSubscriber(ctx, sub)
		if err == nil || !ledger.IsDuplicate(err) {
			return err
		}
		if _, lookupErr := s.store.GetSubscriberByExternalID(ctx, sub.ExternalID); lookupErr == nil {
			return err
		}
		sub.ID = 0
	}
	return fmt.Errorf("allocate referral code: %w", err)
}

func (s *Service) referrer(ctx context.Context, id Identity) *models.Subscriber {
	code, ok := strings.CutPrefix(id.StartParam, referralPrefix)
	if !ok || code == "" {
		return nil
	}
	ref, err := s.store.GetSubscriberByReferralCode(ctx, code)
	if err != nil {
		if !errors.Is(err, ledger.ErrSubscriberNotFound) {
			logctx.FromCtx(ctx, s.log).Warnw("referrer lookup failed", "code", code, "error", err)
		}
		return nil
	}
	if ref.ExternalID == id.ExternalID {
		return nil
	}
	return ref
}

// provision creates the directory record with no paid days. A name collision falls back
// to looking the subscriber up under the known naming conventions. Failures are logged;
// the binding is retried when the first payment settles.
func (s *Service) provision(ctx context.Context, sub *models.Subscriber) {
	log := logctx.FromCtx(ctx, s.log).With("external_id", sub.ExternalID)

	user, err := s.remote.CreateUser(ctx, remnawave.CreateUserRequest{
		Username:   reconcile.PrimaryName(s.cfg.Remnawave.UsernamePrefix, sub),
		TelegramID: sub.ExternalID,
		ExpireAt:   s.engine.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		log.Warnw("remote create failed, looking up existing record", "error", err)
		lookup := *sub
		user, err = s.engine.ResolveBinding(ctx, &lookup)
		if err != nil {
			log.Warnw("subscriber left without remote binding", "error", err)
			return
		}
	}

	err = s.store.WithTx(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockSubscriber(ctx, sub.ID)
		if err != nil {
			return err
		}
		if locked.HasRemoteBinding() {
			*sub = *locked
			return nil
		}
		before := *locked
		reconcile.Bind(locked, user)
		if user.ExpireAt != nil {
			at := user.ExpireAt.UTC()
			locked.ExpiresAt = &at
			locked.IsActive = user.Status == types.RemoteStatusActive && at.After(s.engine.Now())
		}
		if err := tx.SaveSubscriber(ctx, locked, ledger.Change{Reason: types.SubscriberChangeReasonCreated, Before: &before}); err != nil {
			return err
		}
		*sub = *locked
		return nil
	})
	if err != nil {
		log.Errorw("save remote binding", "error", err)
	}
}

// refreshProfile keeps the display names in step with the platform.
func (s *Service) refreshProfile(ctx context.Context, sub *models.Subscriber, id Identity) error {
	username := lo.EmptyableToPtr(strings.TrimPrefix(id.Username, "@"))
	firstName := lo.EmptyableToPtr(id.FirstName)
	if sameNames(sub, username, firstName) {
		return nil
	}
	return s.store.WithTx(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockSubscriber(ctx, sub.ID)
		if err != nil {
			return err
		}
		if !sameNames(locked, username, firstName) {
			locked.Username = username
			locked.FirstName = firstName
			if err := tx.SaveSubscriber(ctx, locked, ledger.Change{}); err != nil {
				return err
			}
		}
		*sub = *locked
		return nil
	})
}

func sameNames(sub *models.Subscriber, username, firstName *string) bool {
	return lo.FromPtr(sub.Username) == lo.FromPtr(username) && lo.FromPtr(sub.FirstName) == lo.FromPtr(firstName)
}

// Profile returns the subscriber view, refreshed from the directory when reachable.
func (s *Service) Profile(ctx context.Context, externalID int64) (*types.SubscriberInfo, error) {
	sub, err := s.store.GetSubscriberByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	var user *remnawave.User
	if sub.HasRemoteBinding() {
		user, err = s.engine.RefreshFromRemote(ctx, sub)
		if err != nil {
			logctx.FromCtx(ctx, s.log).Warnw("profile served from cache", "external_id", externalID, "error", err)
		}
	}
	info := &types.SubscriberInfo{
		ExternalID:       sub.ExternalID,
		Username:         sub.Username,
		FirstName:        sub.FirstName,
		ReferralCode:     sub.ReferralCode,
		IsActive:         sub.IsActive,
		ExpiresAt:        sub.ExpiresAt,
		DaysLeft:         sub.DaysLeft(s.engine.Now()),
		SubscriptionURL:  sub.SubscriptionURL,
		TrialUsed:        sub.TrialUsed,
		AutoRenewEnabled: sub.AutoRenewEnabled,
		HasPaymentMethod: sub.HasPaymentMethod(),
		CardLast4:        sub.CardLast4,
		CardBrand:        sub.CardBrand,
		TermsAcceptedAt:  sub.TermsAcceptedAt,
	}
	if user != nil {
		info.TrafficUsed = user.UserTraffic.UsedBytes
		info.TrafficLimit = user.TrafficLimitBytes
	}
	return info, nil
}

func autoRenewInfo(sub *models.Subscriber) *types.AutoRenewInfo {
	return &types.AutoRenewInfo{
		Enabled:          sub.AutoRenewEnabled,
		HasPaymentMethod: sub.HasPaymentMethod(),
		CardLast4:        sub.CardLast4,
		CardBrand:        sub.CardBrand,
	}
}

func (s *Service) AutoRenewStatus(ctx context.Context, externalID int64) (*types.AutoRenewInfo, error) {
	sub, err := s.store.GetSubscriberByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return autoRenewInfo(sub), nil
}

// SetAutoRenew toggles auto-renewal. Enabling requires a saved payment method.
func (s *Service) SetAutoRenew(ctx context.Context, externalID int64, enabled bool) (*types.AutoRenewInfo, error) {
	return s.updateSettings(ctx, externalID, func(sub *models.Subscriber) error {
		if enabled && !sub.HasPaymentMethod() {
			return ErrNoPaymentMethod
		}
		sub.AutoRenewEnabled = enabled
		return nil
	})
}

// DeletePaymentMethod forgets the saved method and turns auto-renewal off.
func (s *Service) DeletePaymentMethod(ctx context.Context, externalID int64) (*types.AutoRenewInfo, error) {
	return s.updateSettings(ctx, externalID, func(sub *models.Subscriber) error {
		if !sub.HasPaymentMethod() {
			return ErrNoPaymentMethod
		}
		sub.SavedPaymentMethodID = nil
		sub.CardLast4 = nil
		sub.CardBrand = nil
		sub.AutoRenewEnabled = false
		return nil
	})
}

func (s *Service) updateSettings(ctx context.Context, externalID int64, mutate func(sub *models.Subscriber) error) (*types.AutoRenewInfo, error) {
	sub, err := s.update(ctx, externalID, types.SubscriberChangeReasonSettings, mutate)
	if err != nil {
		return nil, err
	}
	return autoRenewInfo(sub), nil
}

// AcceptTerms records that the subscriber accepted the terms of use now.
func (s *Service) AcceptTerms(ctx context.Context, externalID int64) (time.Time, error) {
	at := s.engine.Now()
	_, err := s.update(ctx, externalID, types.SubscriberChangeReasonTerms, func(sub *models.Subscriber) error {
		sub.TermsAcceptedAt = &at
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	logctx.FromCtx(ctx, s.log).Infow("terms accepted", "external_id", externalID, "at", at)
	return at, nil
}

// update applies mutate to the locked subscriber row and saves it with an audit entry.
func (s *Service) update(ctx context.Context, externalID int64, reason types.SubscriberChangeReason, mutate func(sub *models.Subscriber) error) (*models.Subscriber, error) {
	var out *models.Subscriber
	err := s.store.WithTx(ctx, func(tx *ledger.Store) error {
		sub, err := tx.LockSubscriberByExternalID(ctx, externalID)
		if err != nil {
			return err
		}
		before := *sub
		if err := mutate(sub); err != nil {
			return err
		}
		out = sub
		return tx.SaveSubscriber(ctx, sub, ledger.Change{Reason: reason, Before: &before})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTrafficLimit changes the subscriber's remote traffic cap. Zero means unlimited.
func (s *Service) SetTrafficLimit(ctx context.Context, externalID int64, bytes int64) (*remnawave.User, error) {
	sub, err := s.store.GetSubscriberByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if !sub.HasRemoteBinding() {
		return nil, reconcile.ErrRemoteBindingMissing
	}
	user, err := s.remote.SetTrafficLimit(ctx, *sub.RemoteID, bytes)
	if err != nil {
		return nil, fmt.Errorf("set traffic limit: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infow("traffic limit changed", "external_id", externalID, "bytes", bytes)
	return user, nil
}

var Module = fx.Options(
	fx.Provide(
		func(c *remnawave.Client) Provisioner { return c },
		NewService,
	),
)
