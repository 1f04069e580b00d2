package providers

import (
	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
}

// CurrencyExponent returns the number of minor unit digits for an ISO currency code
func CurrencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[currency] {
		return 0
	}
	return 2
}

// MinorUnits converts a major unit amount to the provider's integer minor units, rounding half away from zero
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Round(0).IntPart()
}

// MajorUnits formats amount for providers that take decimal strings
func MajorUnits(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(CurrencyExponent(currency))
}
