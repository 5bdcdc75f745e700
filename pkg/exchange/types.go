package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Core trading domain types shared across venue implementations.
// All rates, prices and sizes are fixed-point decimals; venue payloads that
// arrive as strings or floats are converted at the adapter boundary.

// CanonicalIntervalHours is the reference funding interval every venue's raw
// rate is normalized to.
var CanonicalIntervalHours = decimal.NewFromInt(8)

// PeriodsPerYear is the number of canonical 8-hour funding periods in a year.
var PeriodsPerYear = decimal.NewFromInt(1095)

// OrderSide represents order direction.
type OrderSide string

const (
	// OrderSideBuy executes a buy.
	OrderSideBuy OrderSide = "buy"
	// OrderSideSell executes a sell.
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the mirrored side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSide distinguishes long and short exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// FundingRateSample is one funding observation for one venue/symbol.
type FundingRateSample struct {
	Venue           string
	Symbol          string // canonical, uppercase base asset
	RawRate         decimal.Decimal
	IntervalHours   decimal.Decimal
	NormalizedRate  decimal.Decimal // per canonical 8h interval
	NextFundingTime *time.Time
	SampledAt       time.Time
}

// NormalizeRate converts a raw per-interval rate to the canonical 8-hour
// interval. Interval must be positive; callers pass the venue's advertised
// interval or the 8h default when unknown.
func NormalizeRate(raw, intervalHours decimal.Decimal) decimal.Decimal {
	if intervalHours.IsZero() || intervalHours.IsNegative() {
		return raw
	}
	return raw.Mul(CanonicalIntervalHours).Div(intervalHours)
}

// MarketData carries liquidity figures for one venue/symbol.
// OpenInterestUSD is always two-sided (long + short); adapters whose venue
// reports one side only multiply by two before returning.
type MarketData struct {
	Venue           string
	Symbol          string
	Volume24hUSD    *decimal.Decimal
	OpenInterestUSD *decimal.Decimal
	UpdatedAt       time.Time
}

// BBO is a best bid/offer snapshot.
type BBO struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Mid returns the midpoint price.
func (b BBO) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask − bid.
func (b BBO) Spread() decimal.Decimal {
	return b.Ask.Sub(b.Bid)
}

// SpreadBps returns the spread in basis points of the mid price.
func (b BBO) SpreadBps() decimal.Decimal {
	mid := b.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return b.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
}

// Valid reports whether the quote is usable: positive prices, bid ≤ ask.
func (b BBO) Valid() bool {
	return b.Bid.IsPositive() && b.Ask.IsPositive() && !b.Bid.GreaterThan(b.Ask)
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook holds depth sorted best-first: bids descending, asks ascending.
type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
}

// LimitOrder is a normalized limit order request.
type LimitOrder struct {
	Symbol     string
	Side       OrderSide
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	PostOnly   bool
	ReduceOnly bool
	ClientID   string
}

// MarketOrder is a normalized market order request.
type MarketOrder struct {
	Symbol     string
	Side       OrderSide
	Quantity   decimal.Decimal
	ReduceOnly bool
	ClientID   string
}

// OrderStatus enumerates the normalized order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderResult is the immediate response to a place/cancel request.
type OrderResult struct {
	OrderID string
	Status  OrderStatus
	// FilledQuantity and AvgFillPrice are set when the venue reports an
	// immediate (partial) fill in the placement response.
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	RawStatus      string
}

// OrderInfo is the authoritative view of an order, coalescing all its fills.
type OrderInfo struct {
	OrderID        string
	Symbol         string
	Side           OrderSide
	Status         OrderStatus
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fee            decimal.Decimal
	FeeCurrency    string
	FillCount      int
	ReduceOnly     bool
	UpdatedAt      time.Time
}

// Filled reports whether the order has any executed quantity.
func (o *OrderInfo) Filled() bool {
	return o != nil && o.FilledQuantity.IsPositive()
}

// FullyFilled reports whether the executed quantity reached the order size.
func (o *OrderInfo) FullyFilled() bool {
	return o != nil && o.Quantity.IsPositive() && !o.FilledQuantity.LessThan(o.Quantity)
}

// PositionSnapshot is a venue-side view of one open position.
type PositionSnapshot struct {
	Venue            string
	Symbol           string
	Side             PositionSide
	Quantity         decimal.Decimal // absolute size in base units
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
	UnrealizedPnlUSD decimal.Decimal
	// FundingAccruedUSD is the signed funding received (+) or paid (−) since
	// entry, per the venue's accounting.
	FundingAccruedUSD decimal.Decimal
}

// NotionalUSD returns the mark-price notional of the snapshot.
func (p *PositionSnapshot) NotionalUSD() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Mul(p.MarkPrice)
}
