// Package position defines the persisted arbitrage position and trade fill
// domain types shared by the executor, lifecycle monitor and orchestrator.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the lifecycle stage of a position.
type Stage string

const (
	StageOpening     Stage = "opening"
	StageMonitoring  Stage = "monitoring"
	StageRebalancing Stage = "rebalancing"
	StageClosing     Stage = "closing"
	StageClosed      Stage = "closed"
)

// Open reports whether the position still has venue exposure.
func (s Stage) Open() bool { return s != StageClosed }

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonMaxAge              ExitReason = "max_age"
	ExitReasonProfitErosion       ExitReason = "profit_erosion"
	ExitReasonLiquidationRisk     ExitReason = "liquidation_risk"
	ExitReasonPersistentWideSpread ExitReason = "persistent_wide_spread"
	ExitReasonManual              ExitReason = "manual"
	ExitReasonShutdown            ExitReason = "shutdown"
)

// TradeType distinguishes entry and exit fills.
type TradeType string

const (
	TradeTypeEntry TradeType = "entry"
	TradeTypeExit  TradeType = "exit"
)

// MetaCloseDegraded marks positions whose closure needed manual attention on
// one leg.
const MetaCloseDegraded = "close_degraded"

// Position is one persisted delta-neutral arbitrage position.
type Position struct {
	ID         string
	AccountID  string
	Symbol     string
	LongVenue  string
	ShortVenue string

	SizeUSD  decimal.Decimal // margin × leverage at entry
	Leverage int
	Quantity decimal.Decimal // canonical per-leg base quantity

	EntryLongRate   decimal.Decimal
	EntryShortRate  decimal.Decimal
	EntryDivergence decimal.Decimal
	EntryLongPrice  decimal.Decimal
	EntryShortPrice decimal.Decimal

	CumulativeFundingUSD decimal.Decimal

	Stage         Stage
	OpenedAt      time.Time
	LastHeartbeat time.Time
	ClosedAt      *time.Time
	PnlUSD        *decimal.Decimal
	ExitReason    ExitReason

	Metadata map[string]string
}

// Validate checks the structural invariants every persisted position holds.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position: missing id")
	}
	if p.LongVenue == p.ShortVenue {
		return fmt.Errorf("position %s: long and short venue must differ", p.ID)
	}
	if !p.SizeUSD.IsPositive() {
		return fmt.Errorf("position %s: size must be positive", p.ID)
	}
	if p.Stage == StageClosed && (p.ClosedAt == nil || p.ExitReason == "") {
		return fmt.Errorf("position %s: closed without closed_at/exit_reason", p.ID)
	}
	return nil
}

// Age returns the time since the position was opened.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// SetMeta sets a metadata flag, allocating the map on first use.
func (p *Position) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[key] = value
}

// Patch is a partial update applied to a persisted position. Nil fields are
// untouched.
type Patch struct {
	Stage                *Stage
	CumulativeFundingUSD *decimal.Decimal
	LastHeartbeat        *time.Time
	ClosedAt             *time.Time
	PnlUSD               *decimal.Decimal
	ExitReason           *ExitReason
	Quantity             *decimal.Decimal
	Metadata             map[string]string
}

// Fill is one coalesced trade fill for one order of a position leg.
type Fill struct {
	PositionID       string
	AccountID        string
	Venue            string
	Symbol           string
	TradeType        TradeType
	Side             string // buy | sell
	OrderID          string
	Timestamp        time.Time // naive UTC
	TotalQuantity    decimal.Decimal
	WeightedAvgPrice decimal.Decimal
	TotalFee         decimal.Decimal
	FeeCurrency      string
	RealizedPnlUSD     *decimal.Decimal
	RealizedFundingUSD *decimal.Decimal
	FillCount        int
}

// SignedNotional returns the cash-flow sign convention used for PnL:
// sells positive, buys negative.
func (f *Fill) SignedNotional() decimal.Decimal {
	notional := f.TotalQuantity.Mul(f.WeightedAvgPrice)
	if f.Side == "buy" {
		return notional.Neg()
	}
	return notional
}
