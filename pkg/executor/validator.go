package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perparb/pkg/exchange"
)

// ValidateEntryDivergence checks that the two venues agree on price closely
// enough to enter delta-neutral. Returns the relative divergence of the mid
// prices; a DivergenceTooWide error carries the computed value.
func ValidateEntryDivergence(long, short exchange.BBO, maxDivergencePct decimal.Decimal) (decimal.Decimal, error) {
	if !long.Valid() || !short.Valid() {
		return decimal.Zero, exchange.ErrPriceUnavailable
	}

	longMid := long.Mid()
	shortMid := short.Mid()
	minMid := decimal.Min(longMid, shortMid)
	if !minMid.IsPositive() {
		return decimal.Zero, exchange.ErrPriceUnavailable
	}

	divergence := longMid.Sub(shortMid).Abs().Div(minMid)
	if divergence.GreaterThan(maxDivergencePct) {
		return divergence, fmt.Errorf("%w: %s exceeds %s (long_mid=%s short_mid=%s)",
			ErrDivergenceTooWide, divergence.StringFixed(6), maxDivergencePct.StringFixed(6),
			longMid.String(), shortMid.String())
	}
	return divergence, nil
}

// sizeLegs converts a margin budget into the canonical per-leg quantity:
// notional / reference price, rounded down to each venue's size increment,
// with both legs pinned to the smaller rounded value.
func sizeLegs(notional, referencePrice, longStep, shortStep decimal.Decimal) decimal.Decimal {
	if !referencePrice.IsPositive() {
		return decimal.Zero
	}
	raw := notional.Div(referencePrice)
	longQty := roundDownToStep(raw, longStep)
	shortQty := roundDownToStep(raw, shortStep)
	return decimal.Min(longQty, shortQty)
}

func roundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
