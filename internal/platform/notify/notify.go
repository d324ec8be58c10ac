// Package notify delivers operator alerts outside the database.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/pkg/config"
)

// ErrNotConfigured is returned by the no-op notifier.
var ErrNotConfigured = errors.New("out-of-band notifier not configured")

// Message is an operator alert.
type Message struct {
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	EventID   string         `json:"event_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type noop struct{}

func (noop) Notify(context.Context, Message) error { return ErrNotConfigured }

// New selects the notifier named by alerting.channel.
func New(lc fx.Lifecycle, cfg *config.Config, log *zap.SugaredLogger) (Notifier, error) {
	switch cfg.Alerting.Channel {
	case config.AlertChannelSMTP:
		return NewSMTP(cfg.Alerting.SMTP, cfg.Alerting.OperatorEmail)
	case config.AlertChannelAMQP:
		p, err := NewAMQP(cfg.Alerting.AMQP, log)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error {
			p.Close()
			return nil
		}})
		return p, nil
	case "", config.AlertChannelNone:
		log.Warnw("no out-of-band alert channel configured")
		return noop{}, nil
	}
	return nil, errors.New("unknown alerting channel: " + string(cfg.Alerting.Channel))
}

var Module = fx.Options(
	fx.Provide(New),
)
