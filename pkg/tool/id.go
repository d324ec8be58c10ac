package tool

import "github.com/google/uuid"

// GenerateUUIDV7 returns a time-ordered id; rows keyed by it sort by creation.
func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// TransactionID returns a time-ordered id for a payment paysync originates.
// prefix names the origin, e.g. "chk" for checkouts or "renew" for renewals.
func TransactionID(prefix string) string {
	return prefix + "_" + GenerateUUIDV7()
}
