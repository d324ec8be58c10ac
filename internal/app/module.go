package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/paysync/internal/app/api/server"
	"github.com/fatflowers/paysync/internal/app/service/alerting"
	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/idempotency"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/renewal"
	"github.com/fatflowers/paysync/internal/app/service/retry"
	"github.com/fatflowers/paysync/internal/app/service/statistics"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/app/service/webhook"
	"github.com/fatflowers/paysync/internal/platform/apple"
	"github.com/fatflowers/paysync/internal/platform/cache"
	"github.com/fatflowers/paysync/internal/platform/db"
	"github.com/fatflowers/paysync/internal/platform/gateway"
	"github.com/fatflowers/paysync/internal/platform/notify"
	"github.com/fatflowers/paysync/internal/platform/scheduler"
	"github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// bindings hand concrete services to the packages that depend on them
// through narrow interfaces.
var bindings = fx.Provide(
	func(c *gateway.Client) refund.Submitter { return c },
	func(c *gateway.Client) renewal.Charger { return c },
	func(s *alerting.Service) eventlog.Alerter { return s },
	func(s *alerting.Service) refund.ActionRecorder { return s },
	func(s *webhook.Service) retry.Dispatcher { return s },
	func(s *refund.Service) retry.RefundDispatcher { return s },
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	cache.Module,
	notify.Module,
	gateway.Module,
	apple.Module,
	scheduler.Module,
	bindings,
	alerting.Module,
	eventlog.Module,
	idempotency.Module,
	refund.Module,
	subscription.Module,
	webhook.Module,
	retry.Module,
	renewal.Module,
	statistics.Module,
	server.Module,
)
