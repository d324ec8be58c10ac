// Package renewal charges subscriptions that are about to run out.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/gateway"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/types"
)

// Charger submits renewal charges. The outcome arrives as a webhook.
type Charger interface {
	Charge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error)
}

// providersBilledElsewhere renew on their own schedule and report through webhooks.
var providersBilledElsewhere = []types.PaymentProvider{types.PaymentProviderApple, types.PaymentProviderInner}

type Job struct {
	db      *gorm.DB
	cfg     *config.Config
	log     *zap.SugaredLogger
	subs    *subscription.Service
	charger Charger
	now     func() time.Time
}

func New(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger, subs *subscription.Service, charger Charger) *Job {
	return &Job{
		db:      db,
		cfg:     cfg,
		log:     log.With("component", "renewal"),
		subs:    subs,
		charger: charger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type Report struct {
	Candidates int `json:"candidates"`
	Charged    int `json:"charged"`
	Declined   int `json:"declined"`
	Deferred   int `json:"deferred"`
	Disabled   int `json:"disabled"`
	Escalated  int `json:"escalated"`
}

// Run charges every auto-renewing subscription whose period ends within the
// lookahead window. Declines are recorded as renewal failures; transient
// gateway errors leave the pending payment for the next run.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Renewal.JobTimeout)
	defer cancel()
	report := &Report{}

	cursor := ""
	for {
		batch, err := j.candidates(ctx, cursor)
		if err != nil {
			return report, err
		}
		for _, sub := range batch {
			if ctx.Err() != nil {
				j.log.Warnw("renewal job hit job timeout", "candidates", report.Candidates)
				return report, nil
			}
			report.Candidates++
			if stop := j.renew(ctx, sub, report); stop {
				return report, nil
			}
		}
		if len(batch) < j.cfg.Renewal.BatchSize {
			break
		}
		cursor = batch[len(batch)-1].ID
	}

	metrics.ObserveProcess("renewal", "run", start)
	j.log.Infow("renewal job finished",
		"candidates", report.Candidates,
		"charged", report.Charged,
		"declined", report.Declined,
		"deferred", report.Deferred,
		"disabled", report.Disabled,
		"escalated", report.Escalated,
		"elapsed", time.Since(start))
	return report, nil
}

func (j *Job) candidates(ctx context.Context, afterID string) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := j.db.WithContext(ctx).
		Where("auto_renew = ? AND is_subscribed = ?", true, true).
		Where("provider NOT IN ?", providersBilledElsewhere).
		Where("subscription_end_date <= ?", j.now().Add(j.cfg.Renewal.Lookahead)).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(j.cfg.Renewal.BatchSize).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list renewal candidates: %w", err)
	}
	return subs, nil
}

// renew handles one subscription under the item timeout. It returns true
// when the job should stop, i.e. the gateway is not configured.
func (j *Job) renew(ctx context.Context, sub *models.Subscription, report *Report) bool {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Renewal.ItemTimeout)
	defer cancel()
	lg := logctx.FromCtx(ctx, j.log).With("user_id", sub.UserID)

	payment, err := j.subs.StartRenewal(ctx, sub.UserID)
	if errors.Is(err, subscription.ErrAutoRenewOff) {
		return false
	}
	if err != nil {
		lg.Errorw("failed to start renewal", "error", err)
		report.Deferred++
		return false
	}
	lg = lg.With("transaction_id", payment.TransactionID, "amount", payment.Amount)

	_, err = j.charger.Charge(ctx, &gateway.ChargeRequest{
		TransactionID: payment.TransactionID,
		UserID:        payment.UserID,
		PlanID:        payment.PlanID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Provider:      string(payment.Provider),
	})
	if err == nil {
		report.Charged++
		lg.Infow("renewal charge submitted")
		return false
	}
	if errors.Is(err, gateway.ErrNotConfigured) {
		lg.Warnw("renewal job stopped, gateway not configured")
		return true
	}

	var statusErr *gateway.StatusError
	if !errors.As(err, &statusErr) || statusErr.Temporary() {
		report.Deferred++
		lg.Warnw("renewal charge deferred", "error", err)
		return false
	}

	report.Declined++
	res, err := j.subs.RecordRenewalFailure(context.WithoutCancel(ctx), subscription.RenewalFailure{
		UserID:        payment.UserID,
		TransactionID: payment.TransactionID,
		Reason:        statusErr.Body,
	})
	if err != nil {
		lg.Errorw("failed to record renewal failure", "error", err)
		return false
	}
	if res.Disabled {
		report.Disabled++
	}
	if res.Escalated {
		report.Escalated++
	}
	lg.Infow("renewal declined", "failure_count", res.FailureCount)
	return false
}

func registerJob(c *cron.Cron, cfg *config.Config, j *Job) error {
	_, err := c.AddFunc(cfg.Renewal.Schedule, func() {
		if _, err := j.Run(context.Background()); err != nil {
			j.log.Errorw("renewal job failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule renewal job %q: %w", cfg.Renewal.Schedule, err)
	}
	j.log.Infow("scheduled renewal job", "schedule", cfg.Renewal.Schedule)
	return nil
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerJob),
)
