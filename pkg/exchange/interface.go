package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider exposes one perpetual venue's capabilities in a venue-agnostic
// fashion. It is the only polymorphic boundary in the system: the collector,
// executor and lifecycle monitor all speak to venues exclusively through it.
//
// Market-data methods use public endpoints and need no credentials. Order and
// position methods require the provider to be configured with an account.
type Provider interface {
	// Name returns the registry name of the venue (e.g. "hyperliquid").
	Name() string

	// Funding and market data.
	FetchFundingRates(ctx context.Context) (map[string]FundingRateSample, error)
	FetchMarketData(ctx context.Context) (map[string]MarketData, error)
	FetchBBO(ctx context.Context, symbol string) (*BBO, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// Symbol mapping between the venue's native format and the canonical
	// uppercase base asset.
	NormalizeSymbol(venueSymbol string) string
	DenormalizeSymbol(canonical string) string

	// GetPositionSnapshot returns the venue-side position for the symbol, or
	// (nil, nil) when flat.
	GetPositionSnapshot(ctx context.Context, symbol string) (*PositionSnapshot, error)

	// Order management.
	PlaceLimit(ctx context.Context, order LimitOrder) (*OrderResult, error)
	PlaceMarket(ctx context.Context, order MarketOrder) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	GetOrderInfo(ctx context.Context, symbol, orderID string, forceRefresh bool) (*OrderInfo, error)
	// AwaitOrderUpdate blocks until the order reaches a new state or the
	// timeout elapses. A cached terminal state returns immediately. A nil
	// result with nil error means the timeout passed without an update.
	AwaitOrderUpdate(ctx context.Context, symbol, orderID string, timeout time.Duration) (*OrderInfo, error)

	// Account configuration.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error)
	OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error)
}
