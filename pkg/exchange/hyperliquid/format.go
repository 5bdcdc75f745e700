package hyperliquid

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const (
	priceSigFigs     = 5
	maxPriceDecimals = 6 // perp price decimals cap is 6 − szDecimals
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// formatPrice renders a price with at most 5 significant figures and at most
// 6 − szDecimals decimal places, per the venue's tick rules.
func formatPrice(px decimal.Decimal, szDecimals int) string {
	maxDecimals := int32(maxPriceDecimals - szDecimals)
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	rounded := roundSigFigs(px, priceSigFigs)
	if -rounded.Exponent() > maxDecimals {
		rounded = rounded.Round(maxDecimals)
	}
	return trimZeros(rounded)
}

// formatSize truncates a quantity to the asset's size decimals.
func formatSize(qty decimal.Decimal, szDecimals int) string {
	return trimZeros(qty.Truncate(int32(szDecimals)))
}

func roundSigFigs(d decimal.Decimal, figs int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	abs := d.Abs()
	// Number of digits left of the decimal point.
	intDigits := int32(len(abs.Truncate(0).String()))
	if abs.LessThan(decimal.NewFromInt(1)) {
		intDigits = 0
		// Count leading zeros after the point.
		coeff := abs
		for coeff.LessThan(decimal.New(1, -1)) {
			intDigits--
			coeff = coeff.Shift(1)
		}
	}
	return d.Round(figs - intDigits)
}

func trimZeros(d decimal.Decimal) string {
	return d.String() // decimal.String already drops trailing zeros
}
