// Package gateway is the HTTP client for the payment processor's charge and
// refund endpoints.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/fx"

	"github.com/fatflowers/paysync/pkg/config"
)

var ErrNotConfigured = errors.New("payment gateway base URL is not configured")

// StatusError is returned for non-2xx responses. 5xx and 429 are transient.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment gateway returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type ChargeRequest struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	PlanID        string `json:"plan_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Provider      string `json:"provider"`
}

// ChargeResponse acknowledges a charge. The outcome arrives later as a webhook.
type ChargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

type RefundRequest struct {
	RefundID      string `json:"refund_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
}

type RefundResponse struct {
	ProviderRefundID string `json:"provider_refund_id"`
	Status           string `json:"status"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Gateway.BaseURL, "/"),
		apiKey:     cfg.Gateway.APIKey,
		httpClient: &http.Client{Timeout: cfg.Gateway.Timeout},
	}
}

// Charge asks the gateway to bill a renewal. The transaction id doubles as the
// idempotency key.
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	var out ChargeResponse
	if err := c.post(ctx, "/v1/charges", req.TransactionID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitRefund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	var out RefundResponse
	if err := c.post(ctx, "/v1/refunds", req.RefundID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, in, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

var Module = fx.Options(
	fx.Provide(NewClient),
)
