package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/response"
)

type Refunder interface {
	RequestRefund(ctx context.Context, req *refund.RefundRequest) (*models.RefundRecord, error)
}

// @Summary      Request a refund
// @Description  Creates a pending refund against a completed payment owned by user_id. Requests above the remaining balance are rejected with over_refund.
// @Tags         Refund
// @Accept       json
// @Produce      json
// @Param        request  body      refund.RefundRequest  true  "Refund request"
// @Success      200      {object}  handlers.RespRefund
// @Router       /api/v1/refund [post]
func ApiRequestRefund(svc Refunder, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refund.RefundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		record, err := svc.RequestRefund(c.Request.Context(), &req)
		if err != nil {
			writeError(c, log, "refund_request", err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(record))
	}
}

func RegisterRefundRoutes(r gin.IRouter, svc Refunder, log *zap.SugaredLogger) {
	r.POST("/refund", ApiRequestRefund(svc, log))
}
