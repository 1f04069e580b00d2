package donation

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LookupKind names which stored identifier a LookupKey is matched against
type LookupKind string

const (
	// LookupCorrelationID matches the donation's current correlation id
	LookupCorrelationID LookupKind = "correlation_id"
	// LookupCheckoutRequestID matches the initiation id kept on the provider transaction,
	// which survives the donation's correlation id being overwritten on settlement
	LookupCheckoutRequestID LookupKind = "checkout_request_id"
	// LookupMerchantRequestID matches the alternate id some providers return alongside the initiation id
	LookupMerchantRequestID LookupKind = "merchant_request_id"
	// LookupDonationID matches the donation primary key carried by the provider itself
	LookupDonationID LookupKind = "donation_id"
)

// LookupKey is one candidate identifier for resolving a provider notification
type LookupKey struct {
	Kind  LookupKind `json:"kind"`
	Value string     `json:"value"`
}

func (k LookupKey) String() string {
	return string(k.Kind) + "=" + k.Value
}

// ByCorrelationID builds a key matched against the donation's correlation id
func ByCorrelationID(v string) LookupKey {
	return LookupKey{Kind: LookupCorrelationID, Value: v}
}

// ByCheckoutRequestID builds a key matched against the provider transaction's initiation id
func ByCheckoutRequestID(v string) LookupKey {
	return LookupKey{Kind: LookupCheckoutRequestID, Value: v}
}

// ByMerchantRequestID builds a key matched against the provider transaction's alternate id
func ByMerchantRequestID(v string) LookupKey {
	return LookupKey{Kind: LookupMerchantRequestID, Value: v}
}

// ByDonationID builds a key matched against the donation id
func ByDonationID(v string) LookupKey {
	return LookupKey{Kind: LookupDonationID, Value: v}
}

const placeholderPrefix = "DON-"

// NewPlaceholderCorrelationID returns DON-YYYYMMDDHHMMSS-XXXXXXXX for a donation that has
// not been handed to a provider yet.
func NewPlaceholderCorrelationID(now time.Time) string {
	return placeholderPrefix + now.UTC().Format("20060102150405") + "-" + randomHex(4)
}

// IsPlaceholder reports whether id was generated locally rather than by a provider
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// WithDisambiguatingSuffix appends -XXXX to id so it no longer collides with another
// unresolved donation's correlation id.
func WithDisambiguatingSuffix(id string) string {
	return id + "-" + randomHex(2)
}

func randomHex(n int) string {
	u := uuid.New()
	return strings.ToUpper(hex.EncodeToString(u[:n]))
}
