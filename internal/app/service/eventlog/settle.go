package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/fatflowers/paysync/pkg/metrics"
	"github.com/fatflowers/paysync/pkg/result"
	"github.com/fatflowers/paysync/pkg/types"
)

// Outcome reports what one processing attempt did to an event. Status is
// failed when the event went back on the retry ladder.
type Outcome struct {
	EventID     string                   `json:"event_id"`
	Status      types.WebhookEventStatus `json:"status"`
	Class       result.Class             `json:"class,omitempty"`
	Code        string                   `json:"code,omitempty"`
	RetryCount  int                      `json:"retry_count"`
	NextRetryAt *time.Time               `json:"next_retry_at,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Settle records the handler's answer for an event: nil completes it, a
// fatal error dead-letters it, anything else goes through MarkFailed.
func (s *Service) Settle(ctx context.Context, id, provider string, handlerErr error) (*Outcome, error) {
	out := &Outcome{EventID: id}
	if handlerErr == nil {
		if err := s.MarkCompleted(ctx, id); err != nil && !errors.Is(err, ErrTerminal) {
			return nil, err
		}
		out.Status = types.WebhookEventStatusCompleted
		metrics.ObserveWebhookEvent(provider, "completed")
		return out, nil
	}

	out.Class = result.ClassOf(handlerErr)
	out.Code = result.CodeOf(handlerErr)
	out.Error = handlerErr.Error()

	var (
		res *MarkFailedResult
		err error
	)
	if out.Class == result.Fatal {
		res, err = s.Exhaust(ctx, id, handlerErr)
	} else {
		res, err = s.MarkFailed(ctx, id, handlerErr)
	}
	if err != nil {
		return nil, err
	}
	out.RetryCount = res.RetryCount
	out.NextRetryAt = res.NextRetryAt
	if res.DeadLettered {
		out.Status = types.WebhookEventStatusDeadLetter
		metrics.ObserveWebhookEvent(provider, "dead_letter")
	} else {
		out.Status = types.WebhookEventStatusFailed
		metrics.ObserveWebhookEvent(provider, "retry_scheduled")
	}
	return out, nil
}
