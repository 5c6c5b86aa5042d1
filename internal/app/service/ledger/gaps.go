package ledger

import (
	"context"
	"fmt"

	"github.com/fatflowers/vpnbilling/internal/models"
)

func (s *Store) CreateGap(ctx context.Context, g *models.ProvisioningGap) error {
	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("create provisioning gap: %w", err)
	}
	return nil
}

func (s *Store) SaveGap(ctx context.Context, g *models.ProvisioningGap) error {
	if err := s.db.WithContext(ctx).Save(g).Error; err != nil {
		return fmt.Errorf("save provisioning gap %d: %w", g.ID, err)
	}
	return nil
}

func (s *Store) LockGap(ctx context.Context, id uint) (*models.ProvisioningGap, error) {
	var g models.ProvisioningGap
	if err := s.forUpdate(ctx).First(&g, id).Error; err != nil {
		return nil, notFound(err, ErrGapNotFound)
	}
	return &g, nil
}

// ListGaps returns provisioning gaps, newest first. openOnly excludes resolved rows.
func (s *Store) ListGaps(ctx context.Context, openOnly bool, limit int) ([]*models.ProvisioningGap, error) {
	var rows []*models.ProvisioningGap
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if openOnly {
		q = q.Where("resolved_at IS NULL")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list provisioning gaps: %w", err)
	}
	return rows, nil
}
