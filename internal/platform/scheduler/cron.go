// Package scheduler runs the periodic jobs of the service on one cron instance.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// zapLogger adapts a SugaredLogger to cron.Logger.
type zapLogger struct {
	log *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// New returns a cron that recovers panicking jobs and skips a run while the
// previous run of the same job is still going.
func New(log *zap.SugaredLogger) *cron.Cron {
	cl := zapLogger{log: log.With("component", "cron")}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

func registerCron(lc fx.Lifecycle, c *cron.Cron, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			log.Infow("cron started", "jobs", len(c.Entries()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
				log.Warnw("cron jobs still running at shutdown")
			}
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerCron),
)
