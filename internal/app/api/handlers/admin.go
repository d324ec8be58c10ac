package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/api/middleware"
	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/renewal"
	"github.com/fatflowers/paysync/internal/app/service/retry"
	"github.com/fatflowers/paysync/internal/app/service/statistics"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/response"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type EventRetrier interface {
	RetryNow(ctx context.Context, id string) (*eventlog.Outcome, error)
	Sweep(ctx context.Context) (*retry.SweepReport, error)
}

type EventReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]*models.WebhookEvent, error)
	ScanEvents(ctx context.Context, req *eventlog.ScanRequest) (*eventlog.ScanResult, error)
}

type StatsReader interface {
	GetWebhookStats(ctx context.Context, req *statistics.WebhookStatsRequest) (*statistics.WebhookStatsResponse, error)
}

type Gifter interface {
	SendFreeGift(ctx context.Context, userID, planID, operatorID string) (*subscription.ApplyResult, error)
}

type RenewalRunner interface {
	Run(ctx context.Context) (*renewal.Report, error)
}

// AdminDeps groups what the operator endpoints need.
type AdminDeps struct {
	Retrier EventRetrier
	Events  EventReader
	Stats   StatsReader
	Gifts   Gifter
	Renewal RenewalRunner
	Log     *zap.SugaredLogger
}

// @Summary      Retry a webhook event (Admin)
// @Description  Processes a pending event now instead of waiting for its backoff. Completed events return their outcome without running again; dead-lettered events are rejected with event_terminal.
// @Tags         Admin
// @Produce      json
// @Security     OperatorAuth
// @Param        id   path      string  true  "Webhook event ID"
// @Success      200  {object}  handlers.RespOutcome
// @Router       /api/v1/admin/webhook_events/{id}/retry [post]
func ApiRetryWebhookEvent(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		out, err := d.Retrier.RetryNow(c.Request.Context(), id)
		if err != nil {
			writeError(c, d.Log, "admin_retry", err)
			return
		}
		logctx.FromGin(c, d.Log).Infow("admin_retry", "event_id", id, "operator_id", c.GetString(middleware.OperatorIDKey), "status", out.Status)
		c.JSON(http.StatusOK, response.OKT(out))
	}
}

// @Summary      Webhook statistics (Admin)
// @Description  Counts webhook events by status, provider and day, plus the dead-letter rate. Dates are YYYY-MM-DD, end inclusive; defaults to the last 7 days. Failed attempts are stored as pending until retried or dead-lettered, so summary.failed is always 0.
// @Tags         Admin
// @Produce      json
// @Security     OperatorAuth
// @Param        start_date  query  string  false  "Start date"
// @Param        end_date    query  string  false  "End date"
// @Param        provider    query  string  false  "Provider filter"
// @Success      200  {object}  handlers.RespWebhookStats
// @Router       /api/v1/admin/webhook_stats [get]
func ApiWebhookStats(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		today := time.Now().UTC().Truncate(24 * time.Hour)
		req := &statistics.WebhookStatsRequest{
			StartDate: today.AddDate(0, 0, -6),
			EndDate:   today,
			Provider:  c.Query("provider"),
		}
		for param, dst := range map[string]*time.Time{"start_date": &req.StartDate, "end_date": &req.EndDate} {
			raw := c.Query(param)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				badRequest(c, fmt.Errorf("%s: %w", param, err))
				return
			}
			*dst = t
		}
		resp, err := d.Stats.GetWebhookStats(c.Request.Context(), req)
		if err != nil {
			writeError(c, d.Log, "admin_webhook_stats", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(resp))
	}
}

// @Summary      List dead-lettered events (Admin)
// @Tags         Admin
// @Produce      json
// @Security     OperatorAuth
// @Param        limit  query  int  false  "Max events, default 50"
// @Success      200  {object}  handlers.RespEvents
// @Router       /api/v1/admin/dead_letter_events [get]
func ApiListDeadLetters(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultDeadLetterLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				badRequest(c, fmt.Errorf("limit must be a positive integer"))
				return
			}
			limit = min(n, maxDeadLetterLimit)
		}
		events, err := d.Events.ListDeadLetters(c.Request.Context(), limit)
		if err != nil {
			writeError(c, d.Log, "admin_dead_letters", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(events))
	}
}

// @Summary      Scan webhook events (Admin)
// @Description  Filters the event log. Allowed fields: provider, event_type, status, external_event_id, user_id, transaction_id, retry_count, created_at, updated_at.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     OperatorAuth
// @Param        request  body      eventlog.ScanRequest  true  "Filters and paging"
// @Success      200      {object}  handlers.RespScan
// @Router       /api/v1/admin/webhook_events/scan [post]
func ApiScanWebhookEvents(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req eventlog.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		for _, f := range req.Filters {
			if err := f.Validate(eventlog.ScanFields); err != nil {
				badRequest(c, err)
				return
			}
		}
		res, err := d.Events.ScanEvents(c.Request.Context(), &req)
		if err != nil {
			writeError(c, d.Log, "admin_scan_events", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type SendFreeGiftRequest struct {
	UserID string `json:"user_id" binding:"required"`
	PlanID string `json:"plan_id" binding:"required"`
}

// @Summary      Grant a free plan period (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     OperatorAuth
// @Param        request  body      handlers.SendFreeGiftRequest  true  "Recipient and plan"
// @Success      200      {object}  handlers.RespSubscription
// @Router       /api/v1/admin/send_free_gift [post]
func ApiSendFreeGift(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SendFreeGiftRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		operatorID := c.GetString(middleware.OperatorIDKey)
		res, err := d.Gifts.SendFreeGift(c.Request.Context(), req.UserID, req.PlanID, operatorID)
		if err != nil {
			writeError(c, d.Log, "admin_send_free_gift", err)
			return
		}
		logctx.FromGin(c, d.Log).Infow("admin_send_free_gift", "user_id", req.UserID, "plan_id", req.PlanID, "operator_id", operatorID)
		c.JSON(http.StatusOK, response.OKT(res.Subscription))
	}
}

// @Summary      Run the retry sweep now (Admin)
// @Tags         Admin
// @Produce      json
// @Security     OperatorAuth
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/jobs/retry_sweep [post]
func ApiRunRetrySweep(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := d.Retrier.Sweep(c.Request.Context())
		if err != nil {
			writeError(c, d.Log, "admin_retry_sweep", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(report))
	}
}

// @Summary      Run the renewal job now (Admin)
// @Tags         Admin
// @Produce      json
// @Security     OperatorAuth
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/jobs/renewal [post]
func ApiRunRenewal(d AdminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := d.Renewal.Run(c.Request.Context())
		if err != nil {
			writeError(c, d.Log, "admin_renewal", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(report))
	}
}

// RegisterAdminRoutes mounts the operator endpoints under r; auth is applied by the caller.
func RegisterAdminRoutes(r gin.IRouter, d AdminDeps) {
	r.POST("/webhook_events/:id/retry", ApiRetryWebhookEvent(d))
	r.POST("/webhook_events/scan", ApiScanWebhookEvents(d))
	r.GET("/webhook_stats", ApiWebhookStats(d))
	r.GET("/dead_letter_events", ApiListDeadLetters(d))
	r.POST("/send_free_gift", ApiSendFreeGift(d))
	r.POST("/jobs/retry_sweep", ApiRunRetrySweep(d))
	r.POST("/jobs/renewal", ApiRunRenewal(d))
}
