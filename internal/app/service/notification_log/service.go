package notification_log

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/pkg/logctx"
	"github.com/fatflowers/vpnbilling/pkg/tool"
)

type Service struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	pending sync.WaitGroup
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Save asynchronously persists a gateway webhook log. Nil input is ignored.
func (s *Service) Save(ctx context.Context, entry *models.PaymentNotificationLog) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = tool.GenerateUUIDV7()
	}
	lg := logctx.FromCtx(ctx, s.log)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.db.Save(entry).Error; err != nil {
			lg.Errorw("failed to save notification log", "id", entry.ID, "transaction_id", entry.TransactionID, "error", err)
		}
	}()
}

// Wait blocks until every queued Save has finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ListByTransaction returns the webhook deliveries received for a gateway payment, oldest first.
func (s *Service) ListByTransaction(ctx context.Context, gatewayID string) ([]*models.PaymentNotificationLog, error) {
	var rows []*models.PaymentNotificationLog
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", gatewayID).
		Order("notification_time ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list notification logs: %w", err)
	}
	return rows, nil
}

func registerFlush(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() { s.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerFlush),
)
