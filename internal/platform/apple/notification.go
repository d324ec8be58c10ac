// Package apple decodes App Store Server Notifications and talks to the App
// Store Server API.
package apple

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const appleRootCAG3 = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`

var (
	ErrMalformed    = errors.New("malformed signed payload")
	ErrInvalidChain = errors.New("x5c certificate chain rejected")
)

// Notification types this service acts on.
const (
	TypeSubscribed             = "SUBSCRIBED"
	TypeDidRenew               = "DID_RENEW"
	TypeDidFailToRenew         = "DID_FAIL_TO_RENEW"
	TypeDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	TypeExpired                = "EXPIRED"
	TypeRefund                 = "REFUND"
	TypeOneTimeCharge          = "ONE_TIME_CHARGE"
	TypeTest                   = "TEST"

	SubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
)

type NotificationPayload struct {
	jwt.StandardClaims
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// TransactionInfo is the decoded JWSTransaction. Dates are unix milliseconds
// and Price is in milliunits of Currency.
type TransactionInfo struct {
	jwt.StandardClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	AppAccountToken       string `json:"appAccountToken"`
	Type                  string `json:"type"`
	TransactionReason     string `json:"transactionReason"`
	Environment           string `json:"environment"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
}

// AmountMinor converts the milliunit price to minor units.
func (t *TransactionInfo) AmountMinor() int64 {
	return t.Price / 10
}

type RenewalInfo struct {
	jwt.StandardClaims
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	RenewalDate            int64  `json:"renewalDate"`
}

func (r *RenewalInfo) AutoRenewOn() bool {
	return r != nil && r.AutoRenewStatus == 1
}

// Notification is a verified notification with its nested JWS parts decoded.
type Notification struct {
	Payload     *NotificationPayload
	Transaction *TransactionInfo
	Renewal     *RenewalInfo
}

func (n *Notification) IsTest() bool {
	return n.Payload.NotificationType == TypeTest
}

func (n *Notification) IsSandbox() bool {
	return n.Payload.Data.Environment == "Sandbox"
}

// MillisToTime returns nil for zero.
func MillisToTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// Verifier checks the x5c chain of every JWS against a trusted root before
// trusting its signature.
type Verifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewVerifier trusts Apple Root CA G3.
func NewVerifier() *Verifier {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(appleRootCAG3)) {
		panic("apple: root certificate could not be parsed")
	}
	return NewVerifierWithRoots(roots)
}

func NewVerifierWithRoots(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots, now: time.Now}
}

// DecodeNotification verifies signedPayload and the transaction and renewal
// JWS it carries.
func (v *Verifier) DecodeNotification(signedPayload string) (*Notification, error) {
	payload := &NotificationPayload{}
	if err := v.parse(signedPayload, payload); err != nil {
		return nil, fmt.Errorf("notification: %w", err)
	}
	n := &Notification{Payload: payload}
	if n.IsTest() {
		return n, nil
	}
	if payload.Data.SignedTransactionInfo != "" {
		info, err := v.DecodeTransaction(payload.Data.SignedTransactionInfo)
		if err != nil {
			return nil, err
		}
		n.Transaction = info
	}
	if payload.Data.SignedRenewalInfo != "" {
		renewal := &RenewalInfo{}
		if err := v.parse(payload.Data.SignedRenewalInfo, renewal); err != nil {
			return nil, fmt.Errorf("renewal info: %w", err)
		}
		n.Renewal = renewal
	}
	return n, nil
}

func (v *Verifier) DecodeTransaction(signed string) (*TransactionInfo, error) {
	info := &TransactionInfo{}
	if err := v.parse(signed, info); err != nil {
		return nil, fmt.Errorf("transaction info: %w", err)
	}
	return info, nil
}

type jwsHeader struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

func (v *Verifier) parse(signed string, claims jwt.Claims) error {
	key, err := v.leafKey(signed)
	if err != nil {
		return err
	}
	_, err = jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	})
	return err
}

// leafKey validates the x5c chain and returns the signing certificate's key.
func (v *Verifier) leafKey(signed string) (*ecdsa.PublicKey, error) {
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	var header jwsHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if len(header.X5c) < 2 {
		return nil, fmt.Errorf("%w: want leaf and intermediate, got %d certificates", ErrInvalidChain, len(header.X5c))
	}

	certs := make([]*x509.Certificate, 0, len(header.X5c))
	for i, enc := range header.X5c {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d]: %v", ErrInvalidChain, i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d]: %v", ErrInvalidChain, i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}

	key, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: signing key is not ECDSA", ErrInvalidChain)
	}
	return key, nil
}
