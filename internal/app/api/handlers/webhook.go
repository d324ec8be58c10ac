package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/api/middleware"
	"github.com/fatflowers/paysync/internal/app/service/webhook"
	"github.com/fatflowers/paysync/pkg/logctx"
	"github.com/fatflowers/paysync/pkg/response"
	"github.com/fatflowers/paysync/pkg/types"
)

// MaxWebhookBody caps the bytes read from a provider notification.
const MaxWebhookBody = 1 << 20

type WebhookIngester interface {
	Ingest(ctx context.Context, provider types.PaymentProvider, header http.Header, body []byte, traceID string) (*webhook.IngestResult, error)
}

// @Summary      Provider webhook
// @Description  Verifies, logs and processes a provider notification. App Store notifications carry a signedPayload JWS; other providers post an HMAC-signed envelope with X-Webhook-Timestamp and X-Webhook-Signature.
// @Description  Any 2xx means the notification is durably logged; later failures are retried by the sweep.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        provider  path  string  true  "Payment provider"
// @Success      200  {object}  handlers.RespIngest
// @Failure      400  {object}  handlers.RespOK
// @Failure      401  {object}  handlers.RespOK
// @Failure      404  {object}  handlers.RespOK
// @Failure      500  {object}  handlers.RespOK
// @Router       /api/v2/payment/webhook/{provider} [post]
func ApiProviderWebhook(svc WebhookIngester, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := types.PaymentProvider(c.Param("provider"))
		lg := logctx.FromGin(c, log).With("provider", provider)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWebhookBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if len(body) > MaxWebhookBody {
			c.JSON(http.StatusRequestEntityTooLarge, response.ErrorT[any](response.APIResponseCodeBadRequest, "body too large"))
			return
		}

		res, err := svc.Ingest(c.Request.Context(), provider, c.Request.Header, body, middleware.TraceID(c))
		switch {
		case err == nil:
			lg.Infow("webhook_received", "event_id", res.EventID)
			c.JSON(http.StatusOK, response.OKT(res))
		case errors.Is(err, webhook.ErrUnknownProvider):
			c.JSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
		case errors.Is(err, webhook.ErrUnauthenticated):
			lg.Warnw("webhook_rejected", "error", err)
			c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, err.Error()))
		case errors.Is(err, webhook.ErrMalformed):
			lg.Warnw("webhook_malformed", "error", err)
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
		default:
			lg.Errorw("webhook_log_error", "error", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
		}
	}
}

func RegisterWebhookRoutes(r gin.IRouter, svc WebhookIngester, log *zap.SugaredLogger) {
	r.POST("/webhook/:provider", ApiProviderWebhook(svc, log))
}
