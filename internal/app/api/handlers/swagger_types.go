package handlers

import (
	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/statistics"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/app/service/webhook"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/response"
	"github.com/fatflowers/paysync/pkg/types"
)

// RespOK is a generic envelope for endpoints without a specific data shape.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Reason  string                   `json:"reason,omitempty"`
	Data    interface{}              `json:"data"`
}

type RespIngest struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    webhook.IngestResult     `json:"data"`
}

type RespOutcome struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    eventlog.Outcome         `json:"data"`
}

type RespWebhookStats struct {
	Code    response.APIResponseCode        `json:"code"`
	Message string                          `json:"message"`
	Data    statistics.WebhookStatsResponse `json:"data"`
}

type RespEvents struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.WebhookEvent    `json:"data"`
}

type RespScan struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    eventlog.ScanResult      `json:"data"`
}

type RespSubscription struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Subscription      `json:"data"`
}

type RespSubscriptionInfo struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.SubscriptionInfo   `json:"data"`
}

type RespDowngrade struct {
	Code    response.APIResponseCode     `json:"code"`
	Message string                       `json:"message"`
	Data    subscription.DowngradeResult `json:"data"`
}

type RespCancel struct {
	Code    response.APIResponseCode  `json:"code"`
	Message string                    `json:"message"`
	Data    subscription.CancelResult `json:"data"`
}

type RespPayment struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Payment           `json:"data"`
}

type RespRefund struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.RefundRecord      `json:"data"`
}
