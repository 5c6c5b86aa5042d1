package statistics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

type StatisticType string

const (
	StatisticTypeDailyTransactionCount StatisticType = "daily_transaction_count"
	StatisticTypeDailyRevenue          StatisticType = "daily_revenue"
	StatisticTypeDailyNewSubscribers   StatisticType = "daily_new_subscribers"
	StatisticTypeAutoRenewSuccessRate  StatisticType = "auto_renew_success_rate"
)

// transactionStatistics accept transaction filters; the rest ignore them.
var transactionStatistics = map[StatisticType]bool{
	StatisticTypeDailyTransactionCount: true,
	StatisticTypeDailyRevenue:          true,
	StatisticTypeAutoRenewSuccessRate:  true,
}

type SeriesRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	DataItems []StatisticType       `json:"data_items"`
}

func (r *SeriesRequest) Build(builder clause.Builder) {
	if r == nil || len(r.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(r.Filters))
	for _, f := range r.Filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

type DataItem struct {
	Date   string `json:"date"`
	Value  int64  `json:"value"`
	Value2 int64  `json:"value2,omitempty"`
}

type SeriesResponse struct {
	DataItems map[StatisticType][]DataItem `json:"data_items"`
}

// Dashboard is a point-in-time summary of the subscriber base.
type Dashboard struct {
	TotalSubscribers     int64 `json:"total_subscribers"`
	ActiveSubscribers    int64 `json:"active_subscribers"`
	TrialsUsed           int64 `json:"trials_used"`
	TrialConversions     int64 `json:"trial_conversions"`
	AutoRenewEnabled     int64 `json:"auto_renew_enabled"`
	ReferralCredits      int64 `json:"referral_credits"`
	ChannelBonuses       int64 `json:"channel_bonuses"`
	OpenGaps             int64 `json:"open_gaps"`
	SucceededPayments    int64 `json:"succeeded_payments"`
	RevenueMinorUnits    int64 `json:"revenue_minor_units"`
	PendingTransactions  int64 `json:"pending_transactions"`
	GeneratedAtUnixMilli int64 `json:"generated_at"`
}

type Service struct {
	db  *gorm.DB
	cfg *config.Config
	now func() time.Time
}

func New(db *gorm.DB, cfg *config.Config) *Service {
	return &Service{db: db, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) count(ctx context.Context, model any, dst *int64, query string, args ...any) error {
	q := s.db.WithContext(ctx).Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	return q.Count(dst).Error
}

func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now()
	d := &Dashboard{GeneratedAtUnixMilli: now.UnixMilli()}
	counts := []struct {
		dst   *int64
		model any
		query string
		args  []any
	}{
		{&d.TotalSubscribers, &models.Subscriber{}, "", nil},
		{&d.ActiveSubscribers, &models.Subscriber{}, "is_active = ? AND expires_at > ?", []any{true, now}},
		{&d.TrialsUsed, &models.Subscriber{}, "trial_used = ?", []any{true}},
		{&d.AutoRenewEnabled, &models.Subscriber{}, "auto_renew_enabled = ?", []any{true}},
		{&d.ChannelBonuses, &models.Subscriber{}, "channel_bonus_received_at IS NOT NULL", nil},
		{&d.ReferralCredits, &models.ReferralCredit{}, "", nil},
		{&d.OpenGaps, &models.ProvisioningGap{}, "resolved_at IS NULL", nil},
		{&d.SucceededPayments, &models.Transaction{}, "status = ?", []any{types.TransactionStatusSucceeded}},
		{&d.PendingTransactions, &models.Transaction{}, "status IN ?", []any{[]types.TransactionStatus{types.TransactionStatusPending, types.TransactionStatusAwaitingCapture}}},
	}
	for _, c := range counts {
		if err := s.count(ctx, c.model, c.dst, c.query, c.args...); err != nil {
			return nil, fmt.Errorf("dashboard count: %w", err)
		}
	}

	// a conversion is a trial user who later paid for a non-trial plan
	conv := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("status = ?", types.TransactionStatusSucceeded).
		Where("subscriber_id IN (?)", s.db.Model(&models.Subscriber{}).Select("id").Where("trial_used = ?", true))
	if ids := s.trialPlanIDs(); len(ids) > 0 {
		conv = conv.Where("plan_id NOT IN ?", ids)
	}
	if err := conv.Distinct("subscriber_id").Count(&d.TrialConversions).Error; err != nil {
		return nil, fmt.Errorf("dashboard trial conversions: %w", err)
	}

	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount_minor_units), 0)").
		Where("status = ?", types.TransactionStatusSucceeded).
		Scan(&d.RevenueMinorUnits).Error
	if err != nil {
		return nil, fmt.Errorf("dashboard revenue: %w", err)
	}
	return d, nil
}

func (s *Service) trialPlanIDs() []string {
	var ids []string
	for _, p := range s.cfg.Plans {
		if p.IsTrial() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// dayExpr renders created_at as YYYY-MM-DD in the connected dialect.
func (s *Service) dayExpr(column string) string {
	if s.db.Dialector.Name() == "sqlite" {
		return fmt.Sprintf("substr(%s, 1, 10)", column)
	}
	return fmt.Sprintf("TO_CHAR(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD')", column)
}

func (s *Service) dailyTransactionCount(ctx context.Context, req *SeriesRequest) ([]DataItem, error) {
	var rows []DataItem
	day := s.dayExpr("created_at")
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select(day + " AS date, COUNT(*) AS value").
		Where(clause.Where{Exprs: []clause.Expression{req}}).
		Group(day).
		Order("date").
		Find(&rows).Error
	return rows, err
}

func (s *Service) dailyRevenue(ctx context.Context, req *SeriesRequest) ([]DataItem, error) {
	var rows []DataItem
	day := s.dayExpr("paid_at")
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select(day+" AS date, SUM(amount_minor_units) AS value, COUNT(*) AS value2").
		Where("status = ? AND paid_at IS NOT NULL", types.TransactionStatusSucceeded).
		Where(clause.Where{Exprs: []clause.Expression{req}}).
		Group(day).
		Order("date").
		Find(&rows).Error
	return rows, err
}

func (s *Service) dailyNewSubscribers(ctx context.Context, _ *SeriesRequest) ([]DataItem, error) {
	var rows []DataItem
	day := s.dayExpr("created_at")
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Select(day + " AS date, COUNT(*) AS value").
		Group(day).
		Order("date").
		Find(&rows).Error
	return rows, err
}

// autoRenewSuccessRate reports, per day, succeeded auto-charges in basis points of all
// finished auto-charges (value) and the number of finished auto-charges (value2).
func (s *Service) autoRenewSuccessRate(ctx context.Context, req *SeriesRequest) ([]DataItem, error) {
	var rows []DataItem
	day := s.dayExpr("created_at")
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select(day+" AS date, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) * 10000 / COUNT(*) AS value, "+
			"COUNT(*) AS value2", types.TransactionStatusSucceeded).
		Where("is_auto_payment = ?", true).
		Where("status IN ?", []types.TransactionStatus{types.TransactionStatusSucceeded, types.TransactionStatusCanceled}).
		Where(clause.Where{Exprs: []clause.Expression{req}}).
		Group(day).
		Order("date").
		Find(&rows).Error
	return rows, err
}

func (s *Service) series(ctx context.Context, req *SeriesRequest, item StatisticType) ([]DataItem, error) {
	if !transactionStatistics[item] {
		req = &SeriesRequest{}
	}
	switch item {
	case StatisticTypeDailyTransactionCount:
		return s.dailyTransactionCount(ctx, req)
	case StatisticTypeDailyRevenue:
		return s.dailyRevenue(ctx, req)
	case StatisticTypeDailyNewSubscribers:
		return s.dailyNewSubscribers(ctx, req)
	case StatisticTypeAutoRenewSuccessRate:
		return s.autoRenewSuccessRate(ctx, req)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", item)
	}
}

// Series computes every requested daily series. Dates are UTC days.
func (s *Service) Series(ctx context.Context, req *SeriesRequest) (*SeriesResponse, error) {
	if req == nil {
		req = &SeriesRequest{}
	}
	out := &SeriesResponse{DataItems: make(map[StatisticType][]DataItem, len(req.DataItems))}
	for _, item := range req.DataItems {
		rows, err := s.series(ctx, req, item)
		if err != nil {
			return nil, fmt.Errorf("statistic %s: %w", item, err)
		}
		out.DataItems[item] = rows
	}
	return out, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
