// Package money converts between provider amount encodings and the major-unit
// decimals used everywhere else.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists ISO-4217 currencies without a minor unit.
var zeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// NormaliseCurrency upper-cases and trims a currency code.
func NormaliseCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Exponent returns the number of minor-unit digits for the currency.
func Exponent(currency string) int32 {
	if _, ok := zeroDecimal[NormaliseCurrency(currency)]; ok {
		return 0
	}
	return 2
}

// FromMinor converts an integer minor-unit amount (e.g. cents) to major units.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// ToMinor converts a major-unit amount to integer minor units, rounding half
// away from zero to the currency's precision.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	exp := Exponent(currency)
	return amount.Round(exp).Shift(exp).IntPart()
}

// ParseMajor parses a provider supplied major-unit amount such as "29000.00".
func ParseMajor(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("money: empty amount")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", value, err)
	}
	return d, nil
}

// Sum adds the supplied amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
