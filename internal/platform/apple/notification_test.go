package apple_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fatflowers/paysync/internal/platform/apple"
	"github.com/fatflowers/paysync/internal/platform/apple/appletest"
)

func TestDecodeNotification(t *testing.T) {
	chain := appletest.NewChain(t)
	tx := chain.Sign(t, &apple.TransactionInfo{
		TransactionID:   "2000000111",
		ProductID:       "com.example.premium.monthly",
		AppAccountToken: "04beefaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa",
		ExpiresDate:     1775000000000,
		Price:           9990,
		Currency:        "USD",
	})
	renewal := chain.Sign(t, &apple.RenewalInfo{AutoRenewStatus: 1})
	signed := chain.Sign(t, &apple.NotificationPayload{
		NotificationType: apple.TypeDidRenew,
		NotificationUUID: "n-1",
		Data: apple.NotificationData{
			Environment:           "Sandbox",
			SignedTransactionInfo: tx,
			SignedRenewalInfo:     renewal,
		},
	})

	n, err := apple.NewVerifierWithRoots(chain.Roots).DecodeNotification(signed)
	require.NoError(t, err)
	require.Equal(t, "n-1", n.Payload.NotificationUUID)
	require.True(t, n.IsSandbox())
	require.Equal(t, "2000000111", n.Transaction.TransactionID)
	require.Equal(t, int64(999), n.Transaction.AmountMinor())
	require.True(t, n.Renewal.AutoRenewOn())
	require.Equal(t, int64(1775000000000), apple.MillisToTime(n.Transaction.ExpiresDate).UnixMilli())
}

func TestDecodeNotification_UntrustedChain(t *testing.T) {
	signer := appletest.NewChain(t)
	other := appletest.NewChain(t)
	signed := signer.Sign(t, &apple.NotificationPayload{NotificationType: apple.TypeTest})

	_, err := apple.NewVerifierWithRoots(other.Roots).DecodeNotification(signed)
	require.ErrorIs(t, err, apple.ErrInvalidChain)

	_, err = apple.NewVerifierWithRoots(x509.NewCertPool()).DecodeNotification("not-a-jws")
	require.ErrorIs(t, err, apple.ErrMalformed)
}

func TestDecodeNotification_TestType(t *testing.T) {
	chain := appletest.NewChain(t)
	signed := chain.Sign(t, &apple.NotificationPayload{NotificationType: apple.TypeTest})

	n, err := apple.NewVerifierWithRoots(chain.Roots).DecodeNotification(signed)
	require.NoError(t, err)
	require.True(t, n.IsTest())
	require.Nil(t, n.Transaction)
}

func TestNewVerifier_LoadsAppleRoot(t *testing.T) {
	require.NotPanics(t, func() { apple.NewVerifier() })
}
