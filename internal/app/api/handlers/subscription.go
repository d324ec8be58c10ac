package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/response"
	"github.com/fatflowers/paysync/pkg/types"
)

type SubscriptionManager interface {
	GetSubscriptionStatus(ctx context.Context, userID string) (*types.SubscriptionInfo, error)
	RequestDowngrade(ctx context.Context, req subscription.DowngradeRequest) (*subscription.DowngradeResult, error)
	CancelSubscription(ctx context.Context, req subscription.CancelRequest) (*subscription.CancelResult, error)
	InitiateCheckout(ctx context.Context, req subscription.CheckoutRequest) (*models.Payment, error)
}

// @Summary      Subscription status
// @Description  Returns the user's subscription for display. A lapsed period reads as expired.
// @Tags         Subscription
// @Produce      json
// @Param        user_id  path      string  true  "User ID"
// @Success      200      {object}  handlers.RespSubscriptionInfo
// @Router       /api/v1/subscription/{user_id} [get]
func ApiGetSubscription(svc SubscriptionManager, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := svc.GetSubscriptionStatus(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			writeError(c, log, "subscription_status", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(info))
	}
}

// @Summary      Downgrade a subscription
// @Description  Schedules a move to a cheaper plan at effective_date (default: period end), or applies it now with a prorated credit.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request  body      subscription.DowngradeRequest  true  "Downgrade request"
// @Success      200      {object}  handlers.RespDowngrade
// @Router       /api/v1/subscription/downgrade [post]
func ApiDowngrade(svc SubscriptionManager, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscription.DowngradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := svc.RequestDowngrade(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, "subscription_downgrade", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Cancel a subscription
// @Description  Turns auto renew off, or with immediate=true ends access now with a prorated credit.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request  body      subscription.CancelRequest  true  "Cancel request"
// @Success      200      {object}  handlers.RespCancel
// @Router       /api/v1/subscription/cancel [post]
func ApiCancel(svc SubscriptionManager, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscription.CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := svc.CancelSubscription(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, "subscription_cancel", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Start a checkout
// @Description  Records a pending payment for the plan. The provider's webhook completes it using the returned transaction_id.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request  body      subscription.CheckoutRequest  true  "Checkout request"
// @Success      200      {object}  handlers.RespPayment
// @Router       /api/v1/checkout [post]
func ApiCheckout(svc SubscriptionManager, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscription.CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		payment, err := svc.InitiateCheckout(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, "checkout", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(payment))
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, svc SubscriptionManager, log *zap.SugaredLogger) {
	r.GET("/subscription/:user_id", ApiGetSubscription(svc, log))
	r.POST("/subscription/downgrade", ApiDowngrade(svc, log))
	r.POST("/subscription/cancel", ApiCancel(svc, log))
	r.POST("/checkout", ApiCheckout(svc, log))
}
