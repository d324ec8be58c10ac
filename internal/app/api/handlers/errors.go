package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/statistics"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/response"
	"github.com/fatflowers/paysync/pkg/result"
)

// Stable reason codes for rejections not owned by a service package.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonNotFound       = "not_found"
	ReasonTerminal       = "event_terminal"
	ReasonNotPending     = "event_not_pending"
	ReasonInvalidAmount  = "invalid_amount"
	ReasonNotCompleted   = "payment_not_completed"
	ReasonPaymentOwner   = "payment_owner_mismatch"
	ReasonInvalidRange   = "invalid_range"
)

type overRefundData struct {
	TransactionID string `json:"transaction_id"`
	Requested     int64  `json:"requested"`
	Remaining     int64  `json:"remaining"`
}

// mapError turns a service error into an envelope. Unrecognised errors are
// 50000 and are logged.
func mapError(err error) *response.APIResponse[any] {
	var over *refund.OverRefundError
	switch {
	case errors.As(err, &over):
		return response.RejectT[any](response.APIResponseCodeRejected, refund.ReasonOverRefund, overRefundData{
			TransactionID: over.TransactionID,
			Requested:     over.Requested,
			Remaining:     over.Remaining(),
		})
	case errors.Is(err, subscription.ErrConflict), result.ClassOf(err) == result.Conflict:
		return response.RejectT[any](response.APIResponseCodeConflict, subscription.ReasonConflict, err.Error())
	case errors.Is(err, subscription.ErrNotADowngrade):
		return response.RejectT[any](response.APIResponseCodeRejected, subscription.ReasonNotADowngrade, err.Error())
	case errors.Is(err, subscription.ErrDowngradePending):
		return response.RejectT[any](response.APIResponseCodeRejected, subscription.ReasonDowngradePending, err.Error())
	case errors.Is(err, subscription.ErrSubscriptionNotActive):
		return response.RejectT[any](response.APIResponseCodeRejected, subscription.ReasonNotActive, err.Error())
	case errors.Is(err, subscription.ErrPlanNotFound):
		return response.RejectT[any](response.APIResponseCodeBadRequest, subscription.ReasonUnknownPlan, err.Error())
	case errors.Is(err, refund.ErrUserRequired):
		return response.RejectT[any](response.APIResponseCodeBadRequest, ReasonInvalidRequest, err.Error())
	case errors.Is(err, refund.ErrInvalidAmount):
		return response.RejectT[any](response.APIResponseCodeBadRequest, ReasonInvalidAmount, err.Error())
	case errors.Is(err, refund.ErrPaymentNotCompleted):
		return response.RejectT[any](response.APIResponseCodeRejected, ReasonNotCompleted, err.Error())
	case errors.Is(err, refund.ErrPaymentOwner):
		return response.RejectT[any](response.APIResponseCodeRejected, ReasonPaymentOwner, err.Error())
	case errors.Is(err, eventlog.ErrTerminal):
		return response.RejectT[any](response.APIResponseCodeRejected, ReasonTerminal, err.Error())
	case errors.Is(err, eventlog.ErrNotPending):
		return response.RejectT[any](response.APIResponseCodeConflict, ReasonNotPending, err.Error())
	case errors.Is(err, statistics.ErrInvalidRange):
		return response.RejectT[any](response.APIResponseCodeBadRequest, ReasonInvalidRange, err.Error())
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, refund.ErrPaymentNotFound),
		errors.Is(err, refund.ErrRefundNotFound),
		errors.Is(err, eventlog.ErrNotFound):
		return response.RejectT[any](response.APIResponseCodeNotFound, ReasonNotFound, err.Error())
	}
	return response.ErrorT[any](response.APIResponseCodeError, err.Error())
}

// writeError renders err in the envelope with HTTP 200, logging unexpected errors.
func writeError(c *gin.Context, log *zap.SugaredLogger, op string, err error) {
	resp := mapError(err)
	lg := logctx.FromGin(c, log)
	if resp.Code == response.APIResponseCodeError {
		lg.Errorw(op+"_error", "error", err)
	} else {
		lg.Infow(op+"_rejected", "code", resp.Code, "reason", resp.Reason, "error", err)
	}
	c.JSON(http.StatusOK, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusOK, response.RejectT[any](response.APIResponseCodeBadRequest, ReasonInvalidRequest, err.Error()))
}
