package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatflowers/paysync/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestDefault_RetryLadder(t *testing.T) {
	c := Default()
	require.Equal(t, 5, c.Retry.MaxRetries)
	require.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour}, c.Retry.Backoff)
	require.Equal(t, 50, c.Retry.BatchSize)
	require.Equal(t, 30*time.Second, c.Retry.ItemTimeout)
	require.Equal(t, 4*time.Minute, c.Retry.JobTimeout)
	require.Equal(t, 3, c.Renewal.FailureThreshold)
}

func TestRetryConfig_PolicyFor(t *testing.T) {
	c := Default()
	c.Retry.Providers = map[string]RetryPolicy{
		"mobile_money": {MaxRetries: 8},
	}

	mm := c.Retry.PolicyFor("mobile_money")
	require.Equal(t, 8, mm.MaxRetries)
	require.Equal(t, c.Retry.Backoff, mm.Backoff)

	card := c.Retry.PolicyFor("card")
	require.Equal(t, 5, card.MaxRetries)
}

func TestNew_FromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.yaml")
	content := `
env: prod
plans:
  - id: premium
    name: Premium
    price: 999
    currency: USD
    period_days: 30
    auto_renewable: true
    entitlements: [hd, offline]
    provider_item_ids:
      apple: com.example.premium.monthly
  - id: basic
    name: Basic
    price: 499
    currency: USD
    period_days: 30
retry:
  providers:
    card:
      max_retries: 3
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	t.Setenv("APP_CONFIG_FILE", file)

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, EnvProd, c.Env)
	require.Len(t, c.Plans, 2)

	premium := c.GetPlanByID("premium")
	require.NotNil(t, premium)
	require.Equal(t, int64(999), premium.Price)
	require.Equal(t, []string{"hd", "offline"}, premium.Entitlements)
	require.True(t, c.GetPlanByID("basic").Cheaper(premium))

	byItem, err := c.GetPlanByProviderItemID(types.PaymentProviderApple, "com.example.premium.monthly")
	require.NoError(t, err)
	require.Equal(t, "premium", byItem.ID)

	_, err = c.GetPlanByProviderItemID(types.PaymentProviderApple, "unknown")
	require.Error(t, err)

	require.Equal(t, 3, c.Retry.PolicyFor("card").MaxRetries)
	require.Equal(t, 5, c.Retry.MaxRetries)
}

func TestValidate_RejectsDuplicatePlan(t *testing.T) {
	c := Default()
	c.Plans = []*types.Plan{
		{ID: "a", PeriodDays: 30},
		{ID: "a", PeriodDays: 30},
	}
	require.Error(t, c.Validate())
}
