package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/pkg/tool"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *Store) SaveTransaction(ctx context.Context, t *models.Transaction) error {
	if err := s.db.WithContext(ctx).Save(t).Error; err != nil {
		return fmt.Errorf("save transaction %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id uint) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	return &t, nil
}

func (s *Store) GetTransactionByGatewayID(ctx context.Context, gatewayID string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).Where("gateway_transaction_id = ?", gatewayID).First(&t).Error; err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	return &t, nil
}

func (s *Store) LockTransaction(ctx context.Context, id uint) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.forUpdate(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	return &t, nil
}

// LockTransactionByGatewayID serializes concurrent deliveries for the same gateway payment.
func (s *Store) LockTransactionByGatewayID(ctx context.Context, gatewayID string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.forUpdate(ctx).Where("gateway_transaction_id = ?", gatewayID).First(&t).Error; err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	return &t, nil
}

// LogTransactionStatus appends a status transition entry.
func (s *Store) LogTransactionStatus(ctx context.Context, t *models.Transaction, source string, from types.TransactionStatus) error {
	entry := &models.TransactionLog{
		ID:            tool.GenerateUUIDV7(),
		TransactionID: t.ID,
		Source:        source,
		FromStatus:    string(from),
		ToStatus:      string(t.Status),
		Payload:       t.Metadata,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("write transaction log: %w", err)
	}
	return nil
}

// HasSucceededAutoPaymentSince reports a paid auto-payment for the subscriber at or after since.
func (s *Store) HasSucceededAutoPaymentSince(ctx context.Context, subscriberID uint, since time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("subscriber_id = ? AND is_auto_payment = ?", subscriberID, true).
		Where("status = ?", types.TransactionStatusSucceeded).
		Where("paid_at >= ?", since).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count succeeded auto-payments: %w", err)
	}
	return n > 0, nil
}

// CountCanceledAutoPaymentsSince counts declined or failed auto-payments created at or after since.
func (s *Store) CountCanceledAutoPaymentsSince(ctx context.Context, subscriberID uint, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("subscriber_id = ? AND is_auto_payment = ?", subscriberID, true).
		Where("status = ?", types.TransactionStatusCanceled).
		Where("created_at >= ?", since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count canceled auto-payments: %w", err)
	}
	return int(n), nil
}

// HasInFlightAutoPaymentSince reports an auto-payment still awaiting settlement.
func (s *Store) HasInFlightAutoPaymentSince(ctx context.Context, subscriberID uint, since time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("subscriber_id = ? AND is_auto_payment = ?", subscriberID, true).
		Where("status IN ?", []types.TransactionStatus{types.TransactionStatusPending, types.TransactionStatusAwaitingCapture}).
		Where("created_at >= ?", since).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count pending auto-payments: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListTransactionsBySubscriber(ctx context.Context, subscriberID uint, limit int) ([]*models.Transaction, error) {
	var rows []*models.Transaction
	err := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return rows, nil
}

// ListUnsettled returns pending or awaiting-capture transactions created in [notBefore, createdBefore).
func (s *Store) ListUnsettled(ctx context.Context, notBefore, createdBefore time.Time, limit int) ([]*models.Transaction, error) {
	var rows []*models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []types.TransactionStatus{types.TransactionStatusPending, types.TransactionStatusAwaitingCapture}).
		Where("gateway_transaction_id IS NOT NULL").
		Where("created_at >= ? AND created_at < ?", notBefore, createdBefore).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list unsettled transactions: %w", err)
	}
	return rows, nil
}

// ListAbandoned returns pending transactions created before cutoff that never received a
// gateway id, i.e. the process stopped between the local insert and the gateway answer.
func (s *Store) ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	var rows []*models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ?", types.TransactionStatusPending).
		Where("gateway_transaction_id IS NULL").
		Where("created_at < ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list abandoned transactions: %w", err)
	}
	return rows, nil
}

type ScanTransactionsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
}

type ScanTransactionsResponse struct {
	Items []*models.Transaction `json:"items"`
	Total int64                 `json:"total"`
}

// filtersAnd is a helper to combine multiple CommonFilter into a single clause.Expression
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

var sortableTransactionColumns = map[string]bool{
	"id": true, "created_at": true, "paid_at": true, "amount_minor_units": true, "status": true,
}

// ScanTransactions implements paginated/admin listing with filters
func (s *Store) ScanTransactions(ctx context.Context, req *ScanTransactionsRequest) (*ScanTransactionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 || req.Size > 200 {
		req.Size = 20
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.Transaction{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	var rows []*models.Transaction
	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	sortBy := req.SortBy
	if !sortableTransactionColumns[sortBy] {
		sortBy = "id"
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}}})
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	return &ScanTransactionsResponse{Items: rows, Total: total}, nil
}
