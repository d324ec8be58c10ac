package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/tool"
	"github.com/fatflowers/paysync/pkg/types"
)

var (
	ErrNotFound = errors.New("webhook event not found")
	// ErrTerminal is returned when an event is already completed or dead-lettered.
	ErrTerminal = errors.New("webhook event is terminal")
	// ErrNotPending is returned when an event cannot move to processing.
	ErrNotPending = errors.New("webhook event is not pending")
)

// Alerter is notified once per event that reaches dead_letter.
type Alerter interface {
	AlertDeadLetter(ctx context.Context, event *models.WebhookEvent)
}

type Service struct {
	db      *gorm.DB
	cfg     *config.Config
	log     *zap.SugaredLogger
	alerter Alerter
	now     func() time.Time
}

func New(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger, alerter Alerter) *Service {
	return &Service{db: db, cfg: cfg, log: log, alerter: alerter, now: func() time.Time { return time.Now().UTC() }}
}

type LogEventRequest struct {
	Provider        string
	EventType       string
	ExternalEventID string
	Payload         []byte
	Metadata        map[string]any
	UserID          *string
	TransactionID   *string
	TraceID         string
}

// LogEvent appends a pending event and returns its id.
func (s *Service) LogEvent(ctx context.Context, req *LogEventRequest) (string, error) {
	if req.Provider == "" {
		return "", errors.New("provider is required")
	}
	event := &models.WebhookEvent{
		ID:              tool.GenerateUUIDV7(),
		Provider:        req.Provider,
		EventType:       req.EventType,
		ExternalEventID: req.ExternalEventID,
		Payload:         datatypes.JSON(req.Payload),
		Metadata:        datatypes.JSONMap(lo.Assign(map[string]any{}, req.Metadata)),
		Status:          types.WebhookEventStatusPending,
		MaxRetries:      s.cfg.Retry.PolicyFor(req.Provider).MaxRetries,
		UserID:          req.UserID,
		TransactionID:   req.TransactionID,
		TraceID:         req.TraceID,
	}
	if len(event.Payload) == 0 {
		event.Payload = datatypes.JSON("null")
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return "", fmt.Errorf("failed to log webhook event: %w", err)
	}
	return event.ID, nil
}

// Annotate fills correlation ids learned after parsing.
func (s *Service) Annotate(ctx context.Context, id, eventType string, userID, transactionID *string) error {
	updates := map[string]any{"event_type": eventType}
	if userID != nil {
		updates["user_id"] = *userID
	}
	if transactionID != nil {
		updates["transaction_id"] = *transactionID
	}
	return s.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Service) Get(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

// MarkProcessing moves a pending event to processing.
func (s *Service) MarkProcessing(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, types.WebhookEventStatusPending).
		Updates(map[string]any{"status": types.WebhookEventStatusProcessing, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkCompleted records a successful apply. Terminal events are left untouched.
func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, []types.WebhookEventStatus{types.WebhookEventStatusPending, types.WebhookEventStatusProcessing}).
		Updates(map[string]any{
			"status":        types.WebhookEventStatusCompleted,
			"processed_at":  now,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

type MarkFailedResult struct {
	RetryCount   int
	DeadLettered bool
	NextRetryAt  *time.Time
}

// MarkFailed is the only place retry bookkeeping happens: it increments the
// retry count and either schedules the next attempt on the backoff ladder or
// dead-letters the event and alerts.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error) (*MarkFailedResult, error) {
	return s.fail(ctx, id, cause, false)
}

// Exhaust dead-letters an event immediately. Handlers call it for payloads
// that can never succeed.
func (s *Service) Exhaust(ctx context.Context, id string, cause error) (*MarkFailedResult, error) {
	return s.fail(ctx, id, cause, true)
}

func (s *Service) fail(ctx context.Context, id string, cause error, exhaust bool) (*MarkFailedResult, error) {
	var (
		event  models.WebhookEvent
		result MarkFailedResult
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ForUpdate(tx).Where("id = ?", id).Take(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if event.IsTerminal() {
			return ErrTerminal
		}

		now := s.now()
		event.RetryCount++
		if exhaust {
			event.RetryCount = event.MaxRetries
		}
		if cause != nil {
			event.LastError = lo.ToPtr(cause.Error())
		}
		event.UpdatedAt = now

		if event.RetryCount >= event.MaxRetries {
			event.RetryCount = event.MaxRetries
			event.Status = types.WebhookEventStatusDeadLetter
			event.NextRetryAt = nil
			result.DeadLettered = true
		} else {
			next := now.Add(Backoff(s.cfg.Retry.PolicyFor(event.Provider).Backoff, event.RetryCount))
			event.Status = types.WebhookEventStatusPending
			event.NextRetryAt = &next
			result.NextRetryAt = &next
		}
		result.RetryCount = event.RetryCount

		return tx.Model(&event).Select("status", "retry_count", "next_retry_at", "last_error", "updated_at").Updates(&event).Error
	})
	if err != nil {
		return nil, err
	}

	lg := logctx.FromCtx(ctx, s.log).With("event_id", event.ID, "provider", event.Provider)
	if result.DeadLettered {
		lg.Warnw("webhook event dead-lettered", "retry_count", event.RetryCount, "last_error", lo.FromPtr(event.LastError))
		metrics.ObserveDeadLetter(event.Provider)
		s.alerter.AlertDeadLetter(ctx, &event)
	} else {
		lg.Infow("webhook event scheduled for retry", "retry_count", event.RetryCount, "next_retry_at", result.NextRetryAt)
	}
	return &result, nil
}

// Backoff returns the delay before attempt retryCount+1. Counts past the end
// of the ladder reuse its last step.
func Backoff(ladder []time.Duration, retryCount int) time.Duration {
	if len(ladder) == 0 {
		return 0
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

func dueQuery(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where("status = ? AND retry_count > 0 AND next_retry_at <= ?", types.WebhookEventStatusPending, now).
		Order("next_retry_at ASC")
}

// ListDue returns due events without claiming them.
func (s *Service) ListDue(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	var events []*models.WebhookEvent
	err := dueQuery(s.db.WithContext(ctx), s.now()).Limit(limit).Find(&events).Error
	return events, err
}

// ClaimDue moves up to limit due events to processing in one transaction.
// Rows locked by a concurrent sweep are skipped.
func (s *Service) ClaimDue(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	var events []*models.WebhookEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := dueQuery(tx, now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Limit(limit).
			Find(&events).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		ids := lo.Map(events, func(e *models.WebhookEvent, _ int) string { return e.ID })
		if err := tx.Model(&models.WebhookEvent{}).Where("id IN ?", ids).
			Updates(map[string]any{"status": types.WebhookEventStatusProcessing, "updated_at": now}).Error; err != nil {
			return err
		}
		for _, e := range events {
			e.Status = types.WebhookEventStatusProcessing
			e.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due events: %w", err)
	}
	return events, nil
}

// ListStuck returns events left in processing longer than lease.
func (s *Service) ListStuck(ctx context.Context, lease time.Duration, limit int) ([]*models.WebhookEvent, error) {
	var events []*models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", types.WebhookEventStatusProcessing, s.now().Add(-lease)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	var events []*models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", types.WebhookEventStatusDeadLetter).
		Order("updated_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ScanFields are the columns ScanEvents accepts filters on.
var ScanFields = []string{"provider", "event_type", "status", "external_event_id", "user_id", "transaction_id", "retry_count", "created_at", "updated_at"}

type ScanRequest struct {
	Filters []*types.CommonFilter `json:"filters"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

type ScanResult struct {
	Total  int64                  `json:"total"`
	Events []*models.WebhookEvent `json:"events"`
}

func (s *Service) ScanEvents(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	for _, f := range req.Filters {
		if err := f.Validate(ScanFields); err != nil {
			return nil, err
		}
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where(types.FiltersAnd(req.Filters))
	}
	var out ScanResult
	if err := query().Count(&out.Total).Error; err != nil {
		return nil, err
	}
	if err := query().Order("created_at DESC").Limit(limit).Offset(req.Offset).Find(&out.Events).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// HasCompletedDuplicate reports whether another delivery of the same provider
// event already completed.
func (s *Service) HasCompletedDuplicate(ctx context.Context, tx *gorm.DB, provider, externalEventID, excludeID string) (bool, error) {
	if externalEventID == "" {
		return false, nil
	}
	var count int64
	err := tx.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND external_event_id = ? AND id <> ? AND status = ?", provider, externalEventID, excludeID, types.WebhookEventStatusCompleted).
		Count(&count).Error
	return count > 0, err
}

var Module = fx.Options(
	fx.Provide(New),
)
