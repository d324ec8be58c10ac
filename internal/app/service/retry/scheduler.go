// Package retry sweeps the event log for due webhook events and replays them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/types"
)

// ErrLeaseExpired is recorded on events a crashed worker left in processing.
var ErrLeaseExpired = errors.New("processing lease expired")

// Dispatcher applies one logged event. The error is classified with pkg/result.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.WebhookEvent) error
}

// RefundDispatcher submits pending refunds to the payment gateway.
type RefundDispatcher interface {
	DispatchPending(ctx context.Context, limit int) (int, error)
}

type Scheduler struct {
	events     *eventlog.Service
	dispatcher Dispatcher
	refunds    RefundDispatcher
	cfg        *config.Config
	log        *zap.SugaredLogger
}

func New(events *eventlog.Service, dispatcher Dispatcher, refunds RefundDispatcher, cfg *config.Config, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{events: events, dispatcher: dispatcher, refunds: refunds, cfg: cfg, log: log.With("component", "retry")}
}

type SweepReport struct {
	Reclaimed         int `json:"reclaimed"`
	Claimed           int `json:"claimed"`
	Completed         int `json:"completed"`
	Requeued          int `json:"requeued"`
	DeadLettered      int `json:"dead_lettered"`
	RefundsDispatched int `json:"refunds_dispatched"`
}

func (r *SweepReport) count(out *eventlog.Outcome) {
	switch out.Status {
	case types.WebhookEventStatusCompleted:
		r.Completed++
	case types.WebhookEventStatusDeadLetter:
		r.DeadLettered++
	default:
		r.Requeued++
	}
}

// Sweep reclaims expired leases, replays due events one by one with a
// per-item timeout, then dispatches pending refunds. The whole run is bounded
// by the job timeout; events not reached stay claimed until their lease expires.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Retry.JobTimeout)
	defer cancel()
	report := &SweepReport{}

	stuck, err := s.events.ListStuck(ctx, s.cfg.Retry.ProcessingLease, s.cfg.Retry.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stuck events: %w", err)
	}
	for _, event := range stuck {
		if _, err := s.events.MarkFailed(ctx, event.ID, ErrLeaseExpired); err != nil {
			s.log.Errorw("failed to reclaim stuck event", "event_id", event.ID, "error", err)
			continue
		}
		report.Reclaimed++
	}

	claimed, err := s.events.ClaimDue(ctx, s.cfg.Retry.BatchSize)
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed)
	for _, event := range claimed {
		if ctx.Err() != nil {
			s.log.Warnw("retry sweep hit job timeout", "remaining", report.Claimed-report.Completed-report.Requeued-report.DeadLettered)
			break
		}
		out, err := s.process(ctx, event)
		if err != nil {
			s.log.Errorw("failed to settle event", "event_id", event.ID, "error", err)
			continue
		}
		report.count(out)
	}

	if ctx.Err() == nil {
		n, err := s.refunds.DispatchPending(ctx, s.cfg.Refund.DispatchBatch)
		if err != nil {
			s.log.Errorw("refund dispatch failed", "error", err)
		}
		report.RefundsDispatched = n
	}

	metrics.ObserveProcess("retry", "sweep", start)
	s.log.Infow("retry sweep finished",
		"reclaimed", report.Reclaimed,
		"claimed", report.Claimed,
		"completed", report.Completed,
		"requeued", report.Requeued,
		"dead_lettered", report.DeadLettered,
		"refunds_dispatched", report.RefundsDispatched,
		"elapsed", time.Since(start))
	return report, nil
}

// process dispatches one claimed event under the item timeout and records
// the outcome even when that timeout has fired.
func (s *Scheduler) process(ctx context.Context, event *models.WebhookEvent) (*eventlog.Outcome, error) {
	ctx = logctx.WithEventID(ctx, event.ID)
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.Retry.ItemTimeout)
	defer cancel()

	dispatchErr := s.dispatcher.Dispatch(itemCtx, event)
	if dispatchErr == nil && itemCtx.Err() != nil {
		dispatchErr = itemCtx.Err()
	}
	return s.events.Settle(context.WithoutCancel(ctx), event.ID, event.Provider, dispatchErr)
}

// RetryNow replays a pending event immediately, outside its ladder slot.
// A completed event reports its outcome without running again; dead-lettered
// events are refused.
func (s *Scheduler) RetryNow(ctx context.Context, id string) (*eventlog.Outcome, error) {
	event, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch event.Status {
	case types.WebhookEventStatusCompleted:
		return &eventlog.Outcome{EventID: event.ID, Status: event.Status, RetryCount: event.RetryCount}, nil
	case types.WebhookEventStatusDeadLetter:
		return nil, eventlog.ErrTerminal
	}
	if err := s.events.MarkProcessing(ctx, id); err != nil {
		return nil, err
	}
	event.Status = types.WebhookEventStatusProcessing
	logctx.FromCtx(ctx, s.log).Infow("manual retry", "event_id", id, "retry_count", event.RetryCount)
	return s.process(ctx, event)
}

func (s *Scheduler) run() {
	if _, err := s.Sweep(context.Background()); err != nil {
		s.log.Errorw("retry sweep failed", "error", err)
	}
}

func registerJob(c *cron.Cron, cfg *config.Config, s *Scheduler) error {
	if _, err := c.AddFunc(cfg.Retry.Schedule, s.run); err != nil {
		return fmt.Errorf("schedule retry sweep %q: %w", cfg.Retry.Schedule, err)
	}
	s.log.Infow("scheduled retry sweep", "schedule", cfg.Retry.Schedule)
	return nil
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerJob),
)
