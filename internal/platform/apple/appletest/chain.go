// Package appletest signs App Store style JWS with a throwaway certificate chain.
package appletest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/require"
)

// Chain is a root, an intermediate and a leaf that signs.
type Chain struct {
	Roots *x509.CertPool
	x5c   []string
	key   *ecdsa.PrivateKey
}

func NewChain(t *testing.T) *Chain {
	t.Helper()
	rootKey := newKey(t)
	root := issue(t, "Test Root", true, &rootKey.PublicKey, nil, rootKey)
	interKey := newKey(t)
	inter := issue(t, "Test Intermediate", true, &interKey.PublicKey, root, rootKey)
	leafKey := newKey(t)
	leaf := issue(t, "Test Leaf", false, &leafKey.PublicKey, inter, interKey)

	roots := x509.NewCertPool()
	roots.AddCert(root)
	return &Chain{
		Roots: roots,
		x5c: []string{
			base64.StdEncoding.EncodeToString(leaf.Raw),
			base64.StdEncoding.EncodeToString(inter.Raw),
			base64.StdEncoding.EncodeToString(root.Raw),
		},
		key: leafKey,
	}
}

// Sign returns claims as an ES256 JWS carrying the chain in x5c.
func (c *Chain) Sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = c.x5c
	signed, err := token.SignedString(c.key)
	require.NoError(t, err)
	return signed
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func issue(t *testing.T, cn string, ca bool, pub *ecdsa.PublicKey, parent *x509.Certificate, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	usage := x509.KeyUsageDigitalSignature
	if ca {
		usage |= x509.KeyUsageCertSign
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  ca,
		KeyUsage:              usage,
	}
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
