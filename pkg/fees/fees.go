// Package fees implements the deterministic fee and net-rate arithmetic for
// directed venue pairs. All functions are pure over a static fee schedule.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perparb/pkg/exchange"
)

// VenueFees is the static maker/taker schedule for one venue, in basis points.
type VenueFees struct {
	MakerBps decimal.Decimal
	TakerBps decimal.Decimal
}

// Schedule maps venue name to its fee tier.
type Schedule map[string]VenueFees

var bps = decimal.NewFromInt(10000)

// DefaultSchedule returns the built-in per-venue schedule. Strategy config
// may override individual venues.
func DefaultSchedule() Schedule {
	return Schedule{
		"hyperliquid": {MakerBps: decimal.NewFromFloat(1.5), TakerBps: decimal.NewFromFloat(4.5)},
		"aster":       {MakerBps: decimal.NewFromFloat(1.0), TakerBps: decimal.NewFromFloat(3.5)},
		"sim":         {MakerBps: decimal.NewFromFloat(1.0), TakerBps: decimal.NewFromFloat(3.0)},
	}
}

// Breakdown itemizes the round-trip cost of a delta-neutral pair and the
// resulting net economics, all per unit of notional.
type Breakdown struct {
	EntryFee    decimal.Decimal // both legs, entry
	ExitFee     decimal.Decimal // both legs, exit
	TotalFee    decimal.Decimal
	TotalFeeBps decimal.Decimal
	NetRate     decimal.Decimal // divergence − total fee, per 8h period
	NetAPY      decimal.Decimal // net rate × 1095
}

// IsProfitable reports whether the pair clears its round-trip fees.
func (b Breakdown) IsProfitable() bool {
	return b.NetRate.IsPositive()
}

// Calculator computes pair economics over a fee schedule.
type Calculator struct {
	schedule Schedule
}

// NewCalculator builds a calculator. A nil schedule uses the defaults.
func NewCalculator(schedule Schedule) *Calculator {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	return &Calculator{schedule: schedule}
}

// Venue returns the fee tier for a venue.
func (c *Calculator) Venue(venue string) (VenueFees, error) {
	f, ok := c.schedule[venue]
	if !ok {
		return VenueFees{}, fmt.Errorf("fees: no schedule for venue %q", venue)
	}
	return f, nil
}

// Calculate returns the fee breakdown for a directed pair with the given
// per-8h divergence. With useMaker both entry and exit legs pay maker fees;
// otherwise taker fees apply throughout.
func (c *Calculator) Calculate(longVenue, shortVenue string, divergence decimal.Decimal, useMaker bool) (Breakdown, error) {
	longFees, err := c.Venue(longVenue)
	if err != nil {
		return Breakdown{}, err
	}
	shortFees, err := c.Venue(shortVenue)
	if err != nil {
		return Breakdown{}, err
	}

	longLeg, shortLeg := longFees.TakerBps, shortFees.TakerBps
	if useMaker {
		longLeg, shortLeg = longFees.MakerBps, shortFees.MakerBps
	}

	perSide := longLeg.Add(shortLeg)
	totalBps := perSide.Add(perSide) // entry + exit
	total := totalBps.Div(bps)
	netRate := divergence.Sub(total)

	return Breakdown{
		EntryFee:    perSide.Div(bps),
		ExitFee:     perSide.Div(bps),
		TotalFee:    total,
		TotalFeeBps: totalBps,
		NetRate:     netRate,
		NetAPY:      netRate.Mul(exchange.PeriodsPerYear),
	}, nil
}

// AbsoluteProfit reports the dollar economics of holding a pair of the given
// notional for holdingPeriods funding periods.
type AbsoluteProfit struct {
	GrossUSD decimal.Decimal
	FeesUSD  decimal.Decimal
	NetUSD   decimal.Decimal
	ROI      decimal.Decimal // net / notional
}

// Profit converts a breakdown into absolute dollars for reporting.
func (c *Calculator) Profit(b Breakdown, divergence, positionSizeUSD decimal.Decimal, holdingPeriods int64) AbsoluteProfit {
	periods := decimal.NewFromInt(holdingPeriods)
	gross := divergence.Mul(periods).Mul(positionSizeUSD)
	feesUSD := b.TotalFee.Mul(positionSizeUSD)
	net := gross.Sub(feesUSD)
	roi := decimal.Zero
	if positionSizeUSD.IsPositive() {
		roi = net.Div(positionSizeUSD)
	}
	return AbsoluteProfit{GrossUSD: gross, FeesUSD: feesUSD, NetUSD: net, ROI: roi}
}
