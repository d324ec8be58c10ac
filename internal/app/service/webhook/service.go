package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/internal/platform/apple"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/types"
)

type Service struct {
	events  *eventlog.Service
	subs    *subscription.Service
	parsers map[types.PaymentProvider]Parser
	log     *zap.SugaredLogger
}

type Params struct {
	fx.In

	Config   *config.Config
	Log      *zap.SugaredLogger
	Events   *eventlog.Service
	Subs     *subscription.Service
	Verifier *apple.Verifier
	Store    *apple.Store
}

// New registers the App Store parser and one signed-envelope parser per
// configured gateway secret.
func New(p Params) *Service {
	parsers := []Parser{NewAppleParser(p.Config, p.Verifier, p.Store)}
	for provider, secret := range p.Config.Webhook.Secrets {
		if types.PaymentProvider(provider) == types.PaymentProviderApple {
			continue
		}
		parsers = append(parsers, NewSignedParser(types.PaymentProvider(provider), secret, p.Config.Webhook.SignatureWindow))
	}
	return NewWithParsers(p.Events, p.Subs, p.Log, parsers...)
}

func NewWithParsers(events *eventlog.Service, subs *subscription.Service, log *zap.SugaredLogger, parsers ...Parser) *Service {
	return &Service{
		events:  events,
		subs:    subs,
		parsers: lo.KeyBy(parsers, Parser.Provider),
		log:     log.With("component", "webhook"),
	}
}

type IngestResult struct {
	EventID string            `json:"event_id"`
	Outcome *eventlog.Outcome `json:"outcome"`
}

// Ingest verifies a notification, logs it as pending and processes it once
// inline. Failures after logging are left to the retry sweep, so the only
// errors returned are verification and logging failures.
func (s *Service) Ingest(ctx context.Context, provider types.PaymentProvider, header http.Header, body []byte, traceID string) (*IngestResult, error) {
	parser, ok := s.parsers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	env, err := parser.Verify(ctx, header, body)
	if err != nil {
		return nil, err
	}

	id, err := s.events.LogEvent(ctx, &eventlog.LogEventRequest{
		Provider:        string(provider),
		EventType:       env.EventType,
		ExternalEventID: env.ExternalEventID,
		Payload:         env.Payload,
		Metadata:        env.Metadata,
		UserID:          lo.EmptyableToPtr(env.UserID),
		TransactionID:   lo.EmptyableToPtr(env.TransactionID),
		TraceID:         traceID,
	})
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithEventID(ctx, id)
	lg := logctx.FromCtx(ctx, s.log).With("provider", provider, "external_event_id", env.ExternalEventID)
	lg.Infow("webhook logged", "event_type", env.EventType)

	res := &IngestResult{EventID: id}
	if err := s.events.MarkProcessing(ctx, id); err != nil {
		lg.Warnw("webhook left for retry sweep", "error", err)
		return res, nil
	}
	event, err := s.events.Get(ctx, id)
	if err != nil {
		lg.Warnw("webhook left for retry sweep", "error", err)
		return res, nil
	}

	dispatchErr := s.Dispatch(ctx, event)
	outcome, err := s.events.Settle(context.WithoutCancel(ctx), id, string(provider), dispatchErr)
	if err != nil {
		lg.Errorw("failed to settle webhook event", "error", err, "dispatch_error", dispatchErr)
		return res, nil
	}
	res.Outcome = outcome
	if dispatchErr != nil {
		lg.Warnw("webhook processing failed", "status", outcome.Status, "class", outcome.Class, "code", outcome.Code, "error", dispatchErr)
	}
	return res, nil
}

// Dispatch parses a logged event and applies it. Errors are classified for
// the retry ladder.
func (s *Service) Dispatch(ctx context.Context, event *models.WebhookEvent) error {
	parser, ok := s.parsers[types.PaymentProvider(event.Provider)]
	if !ok {
		return result.NewFatal(ReasonUnknownProvider, fmt.Errorf("%w: %s", ErrUnknownProvider, event.Provider))
	}
	ev, err := parser.Parse(ctx, event)
	if err != nil {
		if result.CodeOf(err) == "" {
			return result.NewFatal(ReasonInvalidPayload, err)
		}
		return err
	}

	c := ev.Correlation()
	if err := s.events.Annotate(ctx, event.ID, string(ev.Type()), lo.EmptyableToPtr(c.UserID), lo.EmptyableToPtr(c.TransactionID)); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("failed to annotate webhook event", "event_id", event.ID, "error", err)
	}
	return classify(s.apply(ctx, event, ev))
}

func (s *Service) apply(ctx context.Context, event *models.WebhookEvent, ev Event) error {
	lg := logctx.FromCtx(ctx, s.log).With("event_id", event.ID, "event_type", ev.Type())
	switch e := ev.(type) {
	case *PaymentSucceeded:
		in := e.Payment
		in.EventID = event.ID
		in.ExternalEventID = event.ExternalEventID
		_, err := s.subs.ApplyPayment(ctx, in)
		return err
	case *PaymentFailed:
		_, err := s.subs.FailPayment(ctx, subscription.RenewalFailure{
			UserID:        e.UserID,
			TransactionID: e.TransactionID,
			Reason:        e.Reason,
		})
		return err
	case *RefundUpdate:
		_, err := s.subs.ApplyRefundOutcome(ctx, e.Outcome)
		return err
	case *SubscriptionCancelled:
		_, err := s.subs.CancelSubscription(ctx, subscription.CancelRequest{UserID: e.UserID})
		return err
	case *Ignored:
		lg.Infow("webhook needs no action", "reason", e.Reason)
		return nil
	default:
		return result.NewFatal(ReasonUnsupportedEvent, fmt.Errorf("no handler for %T", ev))
	}
}

// classify maps domain errors onto retry classes. Unknown errors stay retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *result.Error
	if errors.As(err, &classified) {
		return err
	}
	var over *refund.OverRefundError
	switch {
	case errors.Is(err, subscription.ErrConflict):
		return result.NewConflict(subscription.ReasonConflict, err)
	case errors.Is(err, subscription.ErrPlanNotFound):
		return result.NewFatal(subscription.ReasonUnknownPlan, err)
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, refund.ErrRefundNotFound),
		errors.Is(err, refund.ErrPaymentNotFound):
		return result.NewFatal(ReasonNotFound, err)
	case errors.As(err, &over),
		errors.Is(err, refund.ErrInvalidTransition),
		errors.Is(err, refund.ErrPaymentNotCompleted):
		return result.NewFatal(ReasonRejected, err)
	}
	return result.NewRetryable(ReasonHandlerError, err)
}

var Module = fx.Options(
	fx.Provide(New),
)
