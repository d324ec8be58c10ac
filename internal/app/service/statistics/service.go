// Package statistics aggregates the webhook event log for operators.
package statistics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/types"
)

type StatisticType string

const (
	StatisticTypeStatusCount    StatisticType = "status_count"
	StatisticTypeProviderCount  StatisticType = "provider_count"
	StatisticTypeDailyCount     StatisticType = "daily_count"
	StatisticTypeDeadLetterRate StatisticType = "dead_letter_rate"
)

// DefaultStatisticTypes are returned when a request names none.
var DefaultStatisticTypes = []StatisticType{
	StatisticTypeStatusCount,
	StatisticTypeProviderCount,
	StatisticTypeDailyCount,
	StatisticTypeDeadLetterRate,
}

var ErrInvalidRange = errors.New("end_date must not be before start_date")

type WebhookStatsRequest struct {
	StartDate time.Time
	// EndDate is inclusive; the whole day counts.
	EndDate   time.Time
	Provider  string
	DataItems []StatisticType
}

type DataItem struct {
	Date   string `json:"date,omitempty"`
	Label  string `json:"label,omitempty"`
	Value  int64  `json:"value"`
	Value2 int64  `json:"value2,omitempty"`
	Value3 int64  `json:"value3,omitempty"`
}

// Summary totals the events in range. Rates are percentages with two decimals.
type Summary struct {
	Total          int64   `json:"total"`
	Completed      int64   `json:"completed"`
	Pending        int64   `json:"pending"`
	Processing     int64   `json:"processing"`
	// Failed is always 0: a failed attempt is stored back as pending with a
	// retry time, or as dead_letter. Events awaiting retry count as Pending.
	Failed         int64   `json:"failed"`
	DeadLetter     int64   `json:"dead_letter"`
	TotalRetries   int64   `json:"total_retries"`
	SuccessRate    float64 `json:"success_rate"`
	DeadLetterRate float64 `json:"dead_letter_rate"`
}

type WebhookStatsResponse struct {
	StartDate string                       `json:"start_date"`
	EndDate   string                       `json:"end_date"`
	Provider  string                       `json:"provider,omitempty"`
	Summary   Summary                      `json:"summary"`
	DataItems map[StatisticType][]DataItem `json:"data_items"`
}

type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

func (r *WebhookStatsRequest) filters() types.FiltersAnd {
	start := r.StartDate.UTC().Truncate(24 * time.Hour)
	end := r.EndDate.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1).Add(-time.Nanosecond)
	f := types.FiltersAnd{
		{Field: "created_at", Operator: types.CommonFilterOperatorRange, Values: []any{start, end}},
	}
	if r.Provider != "" {
		f = append(f, &types.CommonFilter{Field: "provider", Operator: types.CommonFilterOperatorEq, Values: []any{r.Provider}})
	}
	return f
}

func (s *Service) events(ctx context.Context, req *WebhookStatsRequest) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where(clause.Where{Exprs: []clause.Expression{req.filters()}})
}

func (s *Service) getStatusCount(ctx context.Context, req *WebhookStatsRequest) ([]DataItem, error) {
	var results []DataItem
	err := s.events(ctx, req).
		Select("status AS label, COUNT(*) AS value").
		Group("status").
		Order("label").
		Scan(&results).Error
	return results, err
}

// getProviderCount reports total (value) and dead-lettered (value2) events per provider.
func (s *Service) getProviderCount(ctx context.Context, req *WebhookStatsRequest) ([]DataItem, error) {
	var results []DataItem
	err := s.events(ctx, req).
		Select("provider AS label, COUNT(*) AS value, COUNT(CASE WHEN status = ? THEN 1 END) AS value2", types.WebhookEventStatusDeadLetter).
		Group("provider").
		Order("label").
		Scan(&results).Error
	return results, err
}

func (s *Service) getDailyCount(ctx context.Context, req *WebhookStatsRequest) ([]DataItem, error) {
	var results []DataItem
	err := s.events(ctx, req).
		Select("CAST(DATE(created_at) AS TEXT) AS date, status AS label, COUNT(*) AS value").
		Group("DATE(created_at)").
		Group("status").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true}).
		Order("label").
		Scan(&results).Error
	return results, err
}

// getDeadLetterRate returns the dead-letter share in basis points, with the
// total in value2 and the dead-letter count in value3.
func (s *Service) getDeadLetterRate(ctx context.Context, req *WebhookStatsRequest) ([]DataItem, error) {
	var row struct {
		Total int64
		Dead  int64
	}
	err := s.events(ctx, req).
		Select("COUNT(*) AS total, COUNT(CASE WHEN status = ? THEN 1 END) AS dead", types.WebhookEventStatusDeadLetter).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	rate := int64(0)
	if row.Total > 0 {
		rate = row.Dead * 10000 / row.Total
	}
	return []DataItem{{Value: rate, Value2: row.Total, Value3: row.Dead}}, nil
}

func (s *Service) getSummary(ctx context.Context, req *WebhookStatsRequest) (*Summary, error) {
	var out Summary
	countOf := func(status types.WebhookEventStatus, alias string) clause.Expr {
		return gorm.Expr("COUNT(CASE WHEN status = ? THEN 1 END) AS "+alias, status)
	}
	err := s.events(ctx, req).
		Select("COUNT(*) AS total, ?, ?, ?, ?, ?, CAST(COALESCE(SUM(retry_count), 0) AS BIGINT) AS total_retries",
			countOf(types.WebhookEventStatusCompleted, "completed"),
			countOf(types.WebhookEventStatusPending, "pending"),
			countOf(types.WebhookEventStatusProcessing, "processing"),
			countOf(types.WebhookEventStatusFailed, "failed"),
			countOf(types.WebhookEventStatusDeadLetter, "dead_letter"),
		).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	out.SuccessRate = percent(out.Completed, out.Total)
	out.DeadLetterRate = percent(out.DeadLetter, out.Total)
	return &out, nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return decimal.NewFromInt(part).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(total)).Round(2).InexactFloat64()
}

func (s *Service) getStatistic(ctx context.Context, req *WebhookStatsRequest, typ StatisticType) ([]DataItem, error) {
	switch typ {
	case StatisticTypeStatusCount:
		return s.getStatusCount(ctx, req)
	case StatisticTypeProviderCount:
		return s.getProviderCount(ctx, req)
	case StatisticTypeDailyCount:
		return s.getDailyCount(ctx, req)
	case StatisticTypeDeadLetterRate:
		return s.getDeadLetterRate(ctx, req)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", typ)
	}
}

// GetWebhookStats runs the requested aggregates concurrently over events
// created between the start and end dates.
func (s *Service) GetWebhookStats(ctx context.Context, req *WebhookStatsRequest) (*WebhookStatsResponse, error) {
	if req.EndDate.Before(req.StartDate) {
		return nil, ErrInvalidRange
	}
	items := lo.Uniq(lo.Ternary(len(req.DataItems) == 0, DefaultStatisticTypes, req.DataItems))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[StatisticType][]DataItem, len(items))
		errs    []error
	)
	for _, item := range items {
		wg.Add(1)
		go func(typ StatisticType) {
			defer wg.Done()
			res, err := s.getStatistic(ctx, req, typ)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", typ, err))
				return
			}
			results[typ] = lo.Ternary(res == nil, []DataItem{}, res)
		}(item)
	}
	var summary *Summary
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := s.getSummary(ctx, req)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("summary: %w", err))
			return
		}
		summary = res
	}()
	wg.Wait()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &WebhookStatsResponse{
		StartDate: req.StartDate.Format(time.DateOnly),
		EndDate:   req.EndDate.Format(time.DateOnly),
		Provider:  req.Provider,
		Summary:   *summary,
		DataItems: results,
	}, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
