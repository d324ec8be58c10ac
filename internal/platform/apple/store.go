package apple

import (
	"context"
	"errors"
	"fmt"

	"github.com/awa/go-iap/appstore/api"
	"go.uber.org/fx"

	"github.com/fatflowers/paysync/pkg/config"
)

var ErrStoreNotConfigured = errors.New("app store server api is not configured")

// Store confirms transactions against the App Store Server API.
type Store struct {
	client   *api.StoreClient
	verifier *Verifier
}

func NewStore(cfg *config.Config, verifier *Verifier) *Store {
	c := cfg.AppleIAP
	if c.KeyID == "" || c.KeyContent == "" {
		return &Store{verifier: verifier}
	}
	return &Store{
		client: api.NewStoreClient(&api.StoreConfig{
			KeyContent: []byte(c.KeyContent),
			KeyID:      c.KeyID,
			BundleID:   c.BundleID,
			Issuer:     c.Issuer,
			Sandbox:    !c.IsProd,
		}),
		verifier: verifier,
	}
}

// Transaction fetches and verifies the current state of transactionID.
func (s *Store) Transaction(ctx context.Context, transactionID string) (*TransactionInfo, error) {
	if s == nil || s.client == nil {
		return nil, ErrStoreNotConfigured
	}
	rsp, err := s.client.GetTransactionInfo(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", transactionID, err)
	}
	return s.verifier.DecodeTransaction(rsp.SignedTransactionInfo)
}

var Module = fx.Options(
	fx.Provide(NewVerifier, NewStore),
)
