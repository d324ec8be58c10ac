package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app/service/eventlog"
	"github.com/fatflowers/paysync/internal/app/service/refund"
	"github.com/fatflowers/paysync/internal/app/service/renewal"
	"github.com/fatflowers/paysync/internal/app/service/retry"
	"github.com/fatflowers/paysync/internal/app/service/statistics"
	"github.com/fatflowers/paysync/internal/app/service/subscription"
	"github.com/fatflowers/paysync/internal/app/service/webhook"
	"github.com/fatflowers/paysync/internal/models"
	"github.com/fatflowers/paysync/pkg/response"
	"github.com/fatflowers/paysync/pkg/types"
)

type envelope struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Reason  string                   `json:"reason"`
	Data    json.RawMessage          `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

type stubIngester struct{ err error }

func (s *stubIngester) Ingest(_ context.Context, provider types.PaymentProvider, _ http.Header, body []byte, _ string) (*webhook.IngestResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &webhook.IngestResult{EventID: fmt.Sprintf("%s-%d", provider, len(body))}, nil
}

func TestApiProviderWebhook_StatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
		code   response.APIResponseCode
	}{
		{"logged", nil, http.StatusOK, response.APIResponseCodeOK},
		{"unknown provider", fmt.Errorf("%w: paypal", webhook.ErrUnknownProvider), http.StatusNotFound, response.APIResponseCodeNotFound},
		{"bad signature", webhook.ErrUnauthenticated, http.StatusUnauthorized, response.APIResponseCodeUnauthorized},
		{"malformed", fmt.Errorf("%w: no event id", webhook.ErrMalformed), http.StatusBadRequest, response.APIResponseCodeBadRequest},
		{"log write failed", fmt.Errorf("insert webhook event: connection reset"), http.StatusInternalServerError, response.APIResponseCodeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			RegisterWebhookRoutes(r.Group("/api/v2/payment"), &stubIngester{err: tc.err}, zap.NewNop().Sugar())
			w, env := do(t, r, http.MethodPost, "/api/v2/payment/webhook/stripe", map[string]string{"event_id": "e1"})
			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.code, env.Code)
		})
	}
}

func TestApiProviderWebhook_BodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterWebhookRoutes(r, &stubIngester{}, zap.NewNop().Sugar())

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader(make([]byte, MaxWebhookBody+1)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type stubRefunder struct{ err error }

func (s *stubRefunder) RequestRefund(_ context.Context, req *refund.RefundRequest) (*models.RefundRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.RefundRecord{ID: "r-1", PaymentTransactionID: req.TransactionID, Amount: req.Amount, Status: types.RefundStatusPending}, nil
}

func TestApiRequestRefund(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	r := gin.New()
	RegisterRefundRoutes(r, &stubRefunder{}, log)
	_, env := do(t, r, http.MethodPost, "/refund", map[string]any{"user_id": "u-1", "transaction_id": "tx-1", "amount": 500})
	require.Equal(t, response.APIResponseCodeOK, env.Code)
	var record models.RefundRecord
	require.NoError(t, json.Unmarshal(env.Data, &record))
	require.Equal(t, int64(500), record.Amount)

	_, env = do(t, r, http.MethodPost, "/refund", map[string]any{"amount": 500})
	require.Equal(t, response.APIResponseCodeBadRequest, env.Code)
	require.Equal(t, ReasonInvalidRequest, env.Reason)

	_, env = do(t, r, http.MethodPost, "/refund", map[string]any{"transaction_id": "tx-1", "amount": 500})
	require.Equal(t, response.APIResponseCodeBadRequest, env.Code)
	require.Equal(t, ReasonInvalidRequest, env.Reason)

	r = gin.New()
	RegisterRefundRoutes(r, &stubRefunder{err: &refund.OverRefundError{TransactionID: "tx-1", Requested: 800, Refunded: 400, PaymentAmount: 1000}}, log)
	w, env := do(t, r, http.MethodPost, "/refund", map[string]any{"user_id": "u-1", "transaction_id": "tx-1", "amount": 800})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, response.APIResponseCodeRejected, env.Code)
	require.Equal(t, refund.ReasonOverRefund, env.Reason)
	var over overRefundData
	require.NoError(t, json.Unmarshal(env.Data, &over))
	require.Equal(t, int64(600), over.Remaining)
}

type stubSubs struct {
	info *types.SubscriptionInfo
	err  error
}

func (s *stubSubs) GetSubscriptionStatus(_ context.Context, userID string) (*types.SubscriptionInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.info, nil
}

func (s *stubSubs) RequestDowngrade(context.Context, subscription.DowngradeRequest) (*subscription.DowngradeResult, error) {
	return nil, s.err
}

func (s *stubSubs) CancelSubscription(_ context.Context, req subscription.CancelRequest) (*subscription.CancelResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &subscription.CancelResult{Subscription: &models.Subscription{UserID: req.UserID}}, nil
}

func (s *stubSubs) InitiateCheckout(_ context.Context, req subscription.CheckoutRequest) (*models.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Payment{TransactionID: "chk_1", UserID: req.UserID, PlanID: req.PlanID, Status: types.PaymentStatusPending}, nil
}

func TestSubscriptionRoutes_ErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	cases := []struct {
		err    error
		code   response.APIResponseCode
		reason string
	}{
		{subscription.ErrSubscriptionNotFound, response.APIResponseCodeNotFound, ReasonNotFound},
		{subscription.ErrNotADowngrade, response.APIResponseCodeRejected, subscription.ReasonNotADowngrade},
		{subscription.ErrDowngradePending, response.APIResponseCodeRejected, subscription.ReasonDowngradePending},
		{subscription.ErrSubscriptionNotActive, response.APIResponseCodeRejected, subscription.ReasonNotActive},
		{fmt.Errorf("%w: gold", subscription.ErrPlanNotFound), response.APIResponseCodeBadRequest, subscription.ReasonUnknownPlan},
		{fmt.Errorf("%w: version mismatch", subscription.ErrConflict), response.APIResponseCodeConflict, subscription.ReasonConflict},
		{fmt.Errorf("boom"), response.APIResponseCodeError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := gin.New()
			RegisterSubscriptionRoutes(r, &stubSubs{err: tc.err}, log)
			_, env := do(t, r, http.MethodPost, "/subscription/downgrade", map[string]any{"user_id": "u-1", "new_plan_id": "basic"})
			require.Equal(t, tc.code, env.Code)
			require.Equal(t, tc.reason, env.Reason)
		})
	}
}

func TestSubscriptionRoutes_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)
	end := time.Now().Add(24 * time.Hour)
	r := gin.New()
	RegisterSubscriptionRoutes(r, &stubSubs{info: &types.SubscriptionInfo{UserID: "u-1", Status: types.SubscriptionStatusActive, IsSubscribed: true, SubscriptionEndDate: &end}}, zap.NewNop().Sugar())

	_, env := do(t, r, http.MethodGet, "/subscription/u-1", nil)
	require.Equal(t, response.APIResponseCodeOK, env.Code)
	var info types.SubscriptionInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	require.True(t, info.IsSubscribed)

	_, env = do(t, r, http.MethodPost, "/checkout", map[string]any{"user_id": "u-1", "plan_id": "pro", "provider": "stripe"})
	require.Equal(t, response.APIResponseCodeOK, env.Code)
	require.Contains(t, string(env.Data), "chk_1")

	_, env = do(t, r, http.MethodPost, "/subscription/cancel", map[string]any{"immediate": true})
	require.Equal(t, response.APIResponseCodeBadRequest, env.Code)
}

type stubAdmin struct {
	retryErr  error
	lastLimit int
	statsReq  *statistics.WebhookStatsRequest
}

func (s *stubAdmin) RetryNow(_ context.Context, id string) (*eventlog.Outcome, error) {
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	return &eventlog.Outcome{EventID: id, Status: types.WebhookEventStatusCompleted}, nil
}

func (s *stubAdmin) Sweep(context.Context) (*retry.SweepReport, error) {
	return &retry.SweepReport{Claimed: 2, Completed: 2}, nil
}

func (s *stubAdmin) ListDeadLetters(_ context.Context, limit int) ([]*models.WebhookEvent, error) {
	s.lastLimit = limit
	return []*models.WebhookEvent{}, nil
}

func (s *stubAdmin) ScanEvents(context.Context, *eventlog.ScanRequest) (*eventlog.ScanResult, error) {
	return &eventlog.ScanResult{}, nil
}

func (s *stubAdmin) GetWebhookStats(_ context.Context, req *statistics.WebhookStatsRequest) (*statistics.WebhookStatsResponse, error) {
	s.statsReq = req
	if req.EndDate.Before(req.StartDate) {
		return nil, statistics.ErrInvalidRange
	}
	return &statistics.WebhookStatsResponse{}, nil
}

func (s *stubAdmin) SendFreeGift(_ context.Context, userID, planID, _ string) (*subscription.ApplyResult, error) {
	return &subscription.ApplyResult{Subscription: &models.Subscription{UserID: userID, PlanID: planID}}, nil
}

func (s *stubAdmin) Run(context.Context) (*renewal.Report, error) {
	return &renewal.Report{}, nil
}

func newAdminRouter(s *stubAdmin) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterAdminRoutes(r, AdminDeps{Retrier: s, Events: s, Stats: s, Gifts: s, Renewal: s, Log: zap.NewNop().Sugar()})
	return r
}

func TestAdminRoutes_Retry(t *testing.T) {
	_, env := do(t, newAdminRouter(&stubAdmin{}), http.MethodPost, "/webhook_events/ev-1/retry", nil)
	require.Equal(t, response.APIResponseCodeOK, env.Code)
	require.Contains(t, string(env.Data), "ev-1")

	_, env = do(t, newAdminRouter(&stubAdmin{retryErr: eventlog.ErrTerminal}), http.MethodPost, "/webhook_events/ev-1/retry", nil)
	require.Equal(t, response.APIResponseCodeRejected, env.Code)
	require.Equal(t, ReasonTerminal, env.Reason)

	_, env = do(t, newAdminRouter(&stubAdmin{retryErr: eventlog.ErrNotFound}), http.MethodPost, "/webhook_events/ev-1/retry", nil)
	require.Equal(t, response.APIResponseCodeNotFound, env.Code)
}

func TestAdminRoutes_DeadLetterLimit(t *testing.T) {
	s := &stubAdmin{}
	r := newAdminRouter(s)

	_, env := do(t, r, http.MethodGet, "/dead_letter_events", nil)
	require.Equal(t, response.APIResponseCodeOK, env.Code)
	require.Equal(t, defaultDeadLetterLimit, s.lastLimit)

	do(t, r, http.MethodGet, "/dead_letter_events?limit=100000", nil)
	require.Equal(t, maxDeadLetterLimit, s.lastLimit)

	_, env = do(t, r, http.MethodGet, "/dead_letter_events?limit=-1", nil)
	require.Equal(t, response.APIResponseCodeBadRequest, env.Code)
}

func TestAdminRoutes_Stats(t *testing.T) {
	s := &stubAdmin{}
	r := newAdminRouter(s)

	_, env := do(t, r, http.MethodGet, "/webhook_stats?start_date=2026-01-01&end_date=2026-01-31&provider=apple", nil)
	require.Equal(t, response.APIResponseCodeOK, env.Code)
	require.Equal(t, "apple", s.statsReq.Provider)
	require.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), s.statsReq.EndDate)

	_, env = do(t, r, http.MethodGet, "/webhook_stats?start_date=01/01/2026", nil)
	require.Equal(t, response.APIResponseCodeBadRequest, env.Code)

	_, env = do(t, r, http.MethodGet, "/webhook_stats?start_date=2026-02-01&end_date=2026-01-01", nil)
	require.Equal(t, ReasonInvalidRange, env.Reason)
}

func TestAdminRoutes_ScanRejectsUnknownField(t *testing.T) {
	r := newAdminRouter(&stubAdmin{})
	_, env := do(t, r, http.MethodPost, "/webhook_events/scan", map[string]any{
		"filters": []map[string]any{{"field": "payload", "operator": "eq", "values": []any{"x"}}},
	})
	require.Equal(t, response.APIResponseCodeBadRequest, env.Code)

	_, env = do(t, r, http.MethodPost, "/webhook_events/scan", map[string]any{
		"filters": []map[string]any{{"field": "status", "operator": "eq", "values": []any{"dead_letter"}}},
	})
	require.Equal(t, response.APIResponseCodeOK, env.Code)
}
