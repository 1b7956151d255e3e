// Package money converts between display decimals and processor minor units.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies the processor charges without a fractional unit.
var zeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func Exponent(currency string) int32 {
	if _, ok := zeroDecimal[NormalizeCurrency(currency)]; ok {
		return 0
	}
	return 2
}

// ToMinor rounds half away from zero to the currency's minor unit.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	exp := Exponent(currency)
	return amount.Shift(exp).Round(0).IntPart()
}

func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// ValidCurrency accepts ISO-4217 shaped codes.
func ValidCurrency(currency string) bool {
	c := NormalizeCurrency(currency)
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// FeeFor computes a basis-point fee on a signed minor amount, truncating
// toward zero so fees never exceed the configured rate.
func FeeFor(amount int64, bps int64) int64 {
	if bps <= 0 || amount == 0 {
		return 0
	}
	return amount * bps / 10_000
}
