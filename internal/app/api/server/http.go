package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/paysync/docs"
	"github.com/fatflowers/paysync/internal/app/api/handlers"
	mw "github.com/fatflowers/paysync/internal/app/api/middleware"
	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/renewal"
	"github.com/fatflowers/paysync/internal/app/service/retry"
	"github.com/fatflowers/paysync/internal/app/service/statistics"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/app/service/webhook"
	cfgpkg "github.com/fatflowers/paysync/pkg/config"
	"github.com/fatflowers/paysync/pkg/metrics"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type RouteParams struct {
	fx.In

	Engine   *gin.Engine
	Log      *zap.SugaredLogger
	Config   *cfgpkg.Config
	DB       *gorm.DB
	Webhooks *webhook.Service
	Events   *eventlog.Service
	Retry    *retry.Scheduler
	Subs     *subscription.Service
	Refunds  *refund.Service
	Stats    *statistics.Service
	Renewal  *renewal.Job
}

func registerRoutes(lc fx.Lifecycle, p RouteParams) {
	r, log := p.Engine, p.Log

	prom := metrics.NewPrometheus(metrics.NewPrometheusOptions{
		Subsystem:     "paysync",
		ListenAddress: p.Config.MetricsAddr,
		Logger:        log,
	})
	prom.Use(r)
	if srv := prom.Server(); srv != nil {
		serve(lc, log.With("listener", "metrics"), srv)
	}

	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterHealthRoutes(pub, p.DB)
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterSubscriptionRoutes(apiV1, p.Subs, log)
	handlers.RegisterRefundRoutes(apiV1, p.Refunds, log)

	admin := apiV1.Group("/admin")
	admin.Use(mw.OperatorAuth(p.Config.Admin.JWTSecret))
	handlers.RegisterAdminRoutes(admin, handlers.AdminDeps{
		Retrier: p.Retry,
		Events:  p.Events,
		Stats:   p.Stats,
		Gifts:   p.Subs,
		Renewal: p.Renewal,
		Log:     log,
	})

	apiV2Payment := r.Group("/api/v2/payment")
	apiV2Payment.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterWebhookRoutes(apiV2Payment, p.Webhooks, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serve(lc, log.With("listener", "api"), &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second})
}

func serve(lc fx.Lifecycle, log *zap.SugaredLogger, srv *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", srv.Addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server", "addr", srv.Addr)
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
