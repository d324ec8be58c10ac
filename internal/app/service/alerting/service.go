package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/notify"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/tool"
)

// Tier is the alert tier that accepted an alert.
type Tier int

const (
	TierNotification Tier = iota + 1
	TierOutOfBand
	TierCritical
	TierLog
)

func (t Tier) String() string {
	switch t {
	case TierNotification:
		return "notification"
	case TierOutOfBand:
		return "out_of_band"
	case TierCritical:
		return "critical"
	case TierLog:
		return "log"
	}
	return "unknown"
}

const (
	KindDeadLetter            = "dead_letter"
	KindAdminAction           = "admin_action"
	KindRefundDispatchFailure = "refund_dispatch_failed"
)

type AlertInput struct {
	Kind    string
	Subject string
	Body    string
	EventID string
	Details map[string]any
	// Cause is the failure that triggered the alert.
	Cause error
}

type Service struct {
	store    Store
	notifier notify.Notifier
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(store Store, notifier notify.Notifier, log *zap.SugaredLogger) *Service {
	return &Service{store: store, notifier: notifier, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Alert walks the tiers in order and stops at the first one that succeeds.
// The returned error joins the failures of the tiers that were skipped past;
// the alert itself is never lost because the log tier cannot fail.
func (s *Service) Alert(ctx context.Context, in AlertInput) (Tier, error) {
	lg := logctx.FromCtx(ctx, s.log)
	causeText := ""
	if in.Cause != nil {
		causeText = in.Cause.Error()
	}
	details := datatypes.JSONMap(lo.Assign(map[string]any{}, in.Details))
	if causeText != "" {
		details["cause"] = causeText
	}
	eventID := lo.EmptyableToPtr(in.EventID)

	var failures []error

	err := s.store.CreateNotification(ctx, &models.OperatorNotification{
		ID:      tool.GenerateUUIDV7(),
		Kind:    in.Kind,
		Subject: in.Subject,
		Body:    in.Body,
		EventID: eventID,
		Details: details,
	})
	if err == nil {
		return s.delivered(TierNotification), nil
	}
	failures = append(failures, fmt.Errorf("operator notification: %w", err))
	lg.Warnw("alert tier failed", "tier", TierNotification.String(), "error", err)

	err = s.notifier.Notify(ctx, notify.Message{
		Kind:      in.Kind,
		Subject:   in.Subject,
		Body:      in.Body,
		EventID:   in.EventID,
		Details:   details,
		Timestamp: s.now(),
	})
	if err == nil {
		return s.delivered(TierOutOfBand), errors.Join(failures...)
	}
	failures = append(failures, fmt.Errorf("out-of-band notifier: %w", err))
	lg.Warnw("alert tier failed", "tier", TierOutOfBand.String(), "error", err)

	chain := make([]string, 0, len(failures)+1)
	if causeText != "" {
		chain = append(chain, causeText)
	}
	for _, f := range failures {
		chain = append(chain, f.Error())
	}
	err = s.store.CreateCriticalAlert(ctx, &models.CriticalAlert{
		ID:         tool.GenerateUUIDV7(),
		Kind:       in.Kind,
		Subject:    in.Subject,
		EventID:    eventID,
		ErrorChain: chain,
		Details:    details,
	})
	if err == nil {
		return s.delivered(TierCritical), errors.Join(failures...)
	}
	failures = append(failures, fmt.Errorf("critical alert row: %w", err))

	lg.Errorw("ALERT: all alert tiers failed",
		"severity", "CRITICAL",
		"kind", in.Kind,
		"subject", in.Subject,
		"event_id", in.EventID,
		"details", details,
		"error_chain", append(chain, err.Error()),
	)
	return s.delivered(TierLog), errors.Join(failures...)
}

func (s *Service) delivered(t Tier) Tier {
	metrics.ObserveAlertTier(t.String())
	return t
}

// RecordAdminAction appends action and alerts operators about it. The alert is
// sent even when the append fails, with the append failure as its cause.
func (s *Service) RecordAdminAction(ctx context.Context, action *models.AdminAction) (Tier, error) {
	if action.ID == "" {
		action.ID = tool.GenerateUUIDV7()
	}
	if action.Priority == "" {
		action.Priority = models.AdminActionPriorityHigh
	}
	in := AlertInput{
		Kind:    KindAdminAction,
		Subject: fmt.Sprintf("admin action required: %s", action.Type),
		Body:    action.Reason,
		Details: map[string]any{
			"admin_action_id": action.ID,
			"user_id":         action.UserID,
			"subscription_id": action.SubscriptionID,
			"error":           action.Error,
		},
	}
	if err := s.store.CreateAdminAction(ctx, action); err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("failed to append admin action", "type", action.Type, "user_id", action.UserID, "error", err)
		in.Cause = fmt.Errorf("append admin action: %w", err)
		tier, alertErr := s.Alert(ctx, in)
		return tier, errors.Join(in.Cause, alertErr)
	}
	return s.Alert(ctx, in)
}

// AlertDeadLetter reports an event that exhausted its retries.
func (s *Service) AlertDeadLetter(ctx context.Context, event *models.WebhookEvent) {
	in := AlertInput{
		Kind:    KindDeadLetter,
		Subject: fmt.Sprintf("%s webhook event dead-lettered", event.Provider),
		Body:    fmt.Sprintf("event %s (%s) exhausted %d retries", event.ID, event.EventType, event.RetryCount),
		EventID: event.ID,
		Details: map[string]any{
			"provider":          event.Provider,
			"event_type":        event.EventType,
			"external_event_id": event.ExternalEventID,
			"retry_count":       event.RetryCount,
			"user_id":           lo.FromPtr(event.UserID),
			"transaction_id":    lo.FromPtr(event.TransactionID),
		},
	}
	if event.LastError != nil {
		in.Cause = errors.New(*event.LastError)
	}
	tier, err := s.Alert(ctx, in)
	logctx.FromCtx(ctx, s.log).Infow("dead letter alert sent", "event_id", event.ID, "tier", tier.String(), "tier_errors", err)
}

var Module = fx.Options(
	fx.Provide(NewStore, New),
)
