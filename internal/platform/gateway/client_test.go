package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fatflowers/paysync/pkg/config"
)

func TestSubmitRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		require.Equal(t, "r-1", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req RefundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(499), req.Amount)
		_, _ = w.Write([]byte(`{"provider_refund_id":"re_1","status":"processing"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Gateway.BaseURL = srv.URL + "/"
	cfg.Gateway.APIKey = "k"
	resp, err := NewClient(cfg).SubmitRefund(context.Background(), &RefundRequest{RefundID: "r-1", TransactionID: "t-1", Amount: 499, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, "re_1", resp.ProviderRefundID)
}

func TestCharge_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Gateway.BaseURL = srv.URL
	_, err := NewClient(cfg).Charge(context.Background(), &ChargeRequest{TransactionID: "t-1"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	require.True(t, se.Temporary())
	require.Equal(t, "maintenance", se.Body)
}

func TestNotConfigured(t *testing.T) {
	_, err := NewClient(config.Default()).Charge(context.Background(), &ChargeRequest{})
	require.ErrorIs(t, err, ErrNotConfigured)
}
