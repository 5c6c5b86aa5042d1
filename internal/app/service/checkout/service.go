// Package checkout starts user-initiated charges and reports their progress.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/tool"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

var (
	ErrUnknownPlan      = errors.New("unknown plan")
	ErrTrialAlreadyUsed = errors.New("trial already used")
)

const defaultHistoryLimit = 50

type PaymentResult struct {
	TransactionID   uint                    `json:"transaction_id"`
	PaymentID       string                  `json:"payment_id"`
	Status          types.TransactionStatus `json:"status"`
	ConfirmationURL string                  `json:"confirmation_url"`
	Amount          string                  `json:"amount"`
	Plan            *types.Plan             `json:"plan"`
}

type Service struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	store  *ledger.Store
	gw     reconcile.Gateway
	engine *reconcile.Engine
}

func NewService(cfg *config.Config, log *zap.SugaredLogger, store *ledger.Store, gw reconcile.Gateway, engine *reconcile.Engine) *Service {
	return &Service{cfg: cfg, log: log.Named("checkout"), store: store, gw: gw, engine: engine}
}

func (s *Service) Plans() []*types.Plan {
	return s.cfg.Plans
}

func (s *Service) Plan(id string) (*types.Plan, error) {
	plan := s.cfg.GetPlanByID(id)
	if plan == nil {
		return nil, ErrUnknownPlan
	}
	return plan, nil
}

// CreatePayment starts a charge for planID and returns where the user confirms it.
// Repeat trials are refused before anything reaches the gateway.
func (s *Service) CreatePayment(ctx context.Context, externalID int64, planID string, saveMethod bool) (*PaymentResult, error) {
	plan, err := s.Plan(planID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscriberByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if plan.IsTrial() && sub.TrialUsed {
		return nil, ErrTrialAlreadyUsed
	}
	log := logctx.FromCtx(ctx, s.log).With("external_id", externalID, "plan_id", plan.ID)

	t := &models.Transaction{
		SubscriberID:     sub.ID,
		ExternalID:       sub.ExternalID,
		PlanID:           plan.ID,
		PlanName:         plan.Name,
		AmountMinorUnits: plan.Price,
		DaysGranted:      plan.Days,
		Status:           types.TransactionStatusPending,
		AttemptNumber:    1,
	}
	if err := s.store.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	var referrer string
	if sub.ReferrerExternalID != nil {
		referrer = strconv.FormatInt(*sub.ReferrerExternalID, 10)
	}
	p, err := s.gw.CreatePayment(ctx, yookassa.CreatePaymentRequest{
		AmountMinor:       plan.Price,
		Description:       yookassa.Description(plan.Name, sub.ExternalID, lo.FromPtr(sub.Username), referrer),
		Metadata:          reconcile.PaymentMetadata(sub, plan, t),
		SavePaymentMethod: saveMethod,
		CustomerID:        strconv.FormatInt(sub.ExternalID, 10),
		IdempotenceKey:    tool.IdempotenceKey("checkout", strconv.FormatUint(uint64(t.ID), 10)),
	})
	if err != nil {
		log.Warnw("charge creation failed", "transaction_id", t.ID, "error", err)
		t.Status = types.TransactionStatusCanceled
		t.DeclineReason = lo.ToPtr(types.DeclinePaymentCreationFailed)
		if saveErr := s.store.SaveTransaction(ctx, t); saveErr != nil {
			log.Errorw("mark failed charge", "transaction_id", t.ID, "error", saveErr)
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	t.GatewayTransactionID = lo.ToPtr(p.ID)
	t.ConfirmationURL = lo.EmptyableToPtr(p.ConfirmationURL())
	if err := s.store.SaveTransaction(ctx, t); err != nil {
		return nil, err
	}
	log.Infow("charge created", "transaction_id", t.ID, "payment_id", p.ID, "status", p.Status)

	status := t.Status
	if st, _ := types.ParseGatewayStatus(p.Status); st != types.TransactionStatusPending {
		res, err := s.engine.ApplyPayment(ctx, p, reconcile.SourcePoll)
		if err != nil {
			return nil, err
		}
		status = res.Transaction.Status
	}
	return &PaymentResult{
		TransactionID:   t.ID,
		PaymentID:       p.ID,
		Status:          status,
		ConfirmationURL: p.ConfirmationURL(),
		Amount:          yookassa.NewAmount(plan.Price).Value,
		Plan:            plan,
	}, nil
}

// History lists the subscriber's charges, newest first.
func (s *Service) History(ctx context.Context, externalID int64, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	sub, err := s.store.GetSubscriberByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTransactionsBySubscriber(ctx, sub.ID, limit)
}

// PollStatus asks the gateway about an unsettled charge of the subscriber and applies the
// answer the same way a webhook would.
func (s *Service) PollStatus(ctx context.Context, externalID int64, transactionID uint) (*models.Transaction, error) {
	t, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.ExternalID != externalID {
		return nil, ledger.ErrPaymentNotFound
	}
	if t.Status.IsTerminal() || t.GatewayTransactionID == nil {
		return t, nil
	}
	p, err := s.gw.GetPayment(ctx, *t.GatewayTransactionID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", *t.GatewayTransactionID, err)
	}
	res, err := s.engine.ApplyPayment(ctx, p, reconcile.SourcePoll)
	if err != nil {
		return nil, err
	}
	if !res.Known {
		return t, nil
	}
	return res.Transaction, nil
}

var Module = fx.Options(
	fx.Provide(NewService),
)
