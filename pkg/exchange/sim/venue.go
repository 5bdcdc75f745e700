// Package sim provides a scriptable in-memory venue used by tests and dry
// runs. Funding rates, books and fill behavior are set explicitly; orders,
// fills and positions evolve in-memory with no I/O.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/exchange"
)

// LimitFillMode controls what happens to newly placed limit orders.
type LimitFillMode int

const (
	// FillImmediately fills limit orders in full at their limit price.
	FillImmediately LimitFillMode = iota
	// RestOpen leaves limit orders resting until FillOrder or CancelOrder.
	RestOpen
	// RejectPostOnly rejects post-only orders as if they crossed the book.
	RejectPostOnly
)

// Venue is an in-memory exchange.Provider implementation.
type Venue struct {
	mu sync.Mutex

	name       string
	nextID     int64
	fillMode   LimitFillMode
	makerBps   decimal.Decimal
	minNotion  decimal.Decimal
	sizeStep   decimal.Decimal
	leverage   map[string]int
	funding    map[string]exchange.FundingRateSample
	market     map[string]exchange.MarketData
	books      map[string]exchange.BBO
	orders     map[string]*exchange.OrderInfo
	positions  map[string]decimal.Decimal // signed qty, + long − short
	entries    map[string]decimal.Decimal // avg entry price
	accrued    map[string]decimal.Decimal // scripted funding accrual per symbol
	watchers   map[string][]chan *exchange.OrderInfo
	bboErr     error
	partialFil map[string]decimal.Decimal // symbol → scripted immediate partial qty
}

// New constructs a sim venue.
func New(name string) *Venue {
	if name == "" {
		name = "sim"
	}
	return &Venue{
		name:       name,
		nextID:     1,
		makerBps:   decimal.NewFromFloat(1.0),
		minNotion:  decimal.NewFromInt(10),
		sizeStep:   decimal.New(1, -4), // 0.0001
		leverage:   make(map[string]int),
		funding:    make(map[string]exchange.FundingRateSample),
		market:     make(map[string]exchange.MarketData),
		books:      make(map[string]exchange.BBO),
		orders:     make(map[string]*exchange.OrderInfo),
		positions:  make(map[string]decimal.Decimal),
		entries:    make(map[string]decimal.Decimal),
		accrued:    make(map[string]decimal.Decimal),
		watchers:   make(map[string][]chan *exchange.OrderInfo),
		partialFil: make(map[string]decimal.Decimal),
	}
}

// Name implements exchange.Provider.
func (v *Venue) Name() string { return v.name }

// --- scripting hooks -------------------------------------------------------

// SetLimitFillMode changes how subsequent limit orders behave.
func (v *Venue) SetLimitFillMode(mode LimitFillMode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillMode = mode
}

// SetFundingRate scripts the funding sample returned for symbol.
func (v *Venue) SetFundingRate(symbol string, raw decimal.Decimal, intervalHours decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := exchange.NormalizeSymbol(symbol)
	v.funding[sym] = exchange.FundingRateSample{
		Venue:          v.name,
		Symbol:         sym,
		RawRate:        raw,
		IntervalHours:  intervalHours,
		NormalizedRate: exchange.NormalizeRate(raw, intervalHours),
		SampledAt:      time.Now().UTC(),
	}
}

// SetMarketData scripts volume and two-sided OI for symbol.
func (v *Venue) SetMarketData(symbol string, volume24h, openInterest decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := exchange.NormalizeSymbol(symbol)
	vol, oi := volume24h, openInterest
	v.market[sym] = exchange.MarketData{
		Venue:           v.name,
		Symbol:          sym,
		Volume24hUSD:    &vol,
		OpenInterestUSD: &oi,
		UpdatedAt:       time.Now().UTC(),
	}
}

// SetBook scripts the BBO for symbol.
func (v *Venue) SetBook(symbol string, bid, ask decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[exchange.NormalizeSymbol(symbol)] = exchange.BBO{Bid: bid, Ask: ask}
}

// SetBBOError forces FetchBBO to fail until cleared with a nil error.
func (v *Venue) SetBBOError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bboErr = err
}

// SetMinOrderNotional overrides the venue minimum.
func (v *Venue) SetMinOrderNotional(min decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.minNotion = min
}

// SetOrderSizeIncrement overrides the size step.
func (v *Venue) SetOrderSizeIncrement(step decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sizeStep = step
}

// SetFundingAccrued scripts the funding accrued on the open position.
func (v *Venue) SetFundingAccrued(symbol string, usd decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accrued[exchange.NormalizeSymbol(symbol)] = usd
}

// ScriptPartialFill makes the next resting limit order on symbol report the
// given immediate fill quantity when placed in RestOpen mode.
func (v *Venue) ScriptPartialFill(symbol string, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.partialFil[exchange.NormalizeSymbol(symbol)] = qty
}

// FillOrder fills a resting order (fully when qty is zero) at the given
// price, updating the venue position and notifying watchers.
func (v *Venue) FillOrder(orderID string, qty, price decimal.Decimal) error {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return exchange.ErrOrderNotFound
	}
	if order.Status.Terminal() {
		v.mu.Unlock()
		return fmt.Errorf("sim: order %s already terminal", orderID)
	}
	if qty.IsZero() {
		qty = order.Quantity.Sub(order.FilledQuantity)
	}
	if price.IsZero() {
		price = order.Price
	}
	v.applyFillLocked(order, qty, price)
	info := *order
	v.mu.Unlock()
	v.notify(orderID, &info)
	return nil
}

// PositionQty returns the signed position size for assertions.
func (v *Venue) PositionQty(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[exchange.NormalizeSymbol(symbol)]
}

// --- market data -----------------------------------------------------------

// FetchFundingRates implements exchange.Provider.
func (v *Venue) FetchFundingRates(ctx context.Context) (map[string]exchange.FundingRateSample, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]exchange.FundingRateSample, len(v.funding))
	for sym, sample := range v.funding {
		sample.SampledAt = time.Now().UTC()
		out[sym] = sample
	}
	return out, nil
}

// FetchMarketData implements exchange.Provider.
func (v *Venue) FetchMarketData(ctx context.Context) (map[string]exchange.MarketData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]exchange.MarketData, len(v.market))
	for sym, md := range v.market {
		md.UpdatedAt = time.Now().UTC()
		out[sym] = md
	}
	return out, nil
}

// FetchBBO implements exchange.Provider.
func (v *Venue) FetchBBO(ctx context.Context, symbol string) (*exchange.BBO, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bboErr != nil {
		return nil, v.bboErr
	}
	bbo, ok := v.books[exchange.NormalizeSymbol(symbol)]
	if !ok || !bbo.Valid() {
		return nil, exchange.ErrPriceUnavailable
	}
	out := bbo
	return &out, nil
}

// FetchOrderBook implements exchange.Provider with a synthetic one-level book
// (a single bid and ask level at the scripted BBO).
func (v *Venue) FetchOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	bbo, err := v.FetchBBO(ctx, symbol)
	if err != nil {
		return nil, err
	}
	size := decimal.NewFromInt(100)
	return &exchange.OrderBook{
		Symbol: exchange.NormalizeSymbol(symbol),
		Bids:   []exchange.BookLevel{{Price: bbo.Bid, Size: size}},
		Asks:   []exchange.BookLevel{{Price: bbo.Ask, Size: size}},
	}, nil
}

// NormalizeSymbol implements exchange.Provider.
func (v *Venue) NormalizeSymbol(venueSymbol string) string {
	return exchange.NormalizeSymbol(venueSymbol)
}

// DenormalizeSymbol implements exchange.Provider; the sim venue uses
// canonical symbols natively.
func (v *Venue) DenormalizeSymbol(canonical string) string {
	return strings.ToUpper(strings.TrimSpace(canonical))
}

// --- orders ----------------------------------------------------------------

// PlaceLimit implements exchange.Provider.
func (v *Venue) PlaceLimit(ctx context.Context, order exchange.LimitOrder) (*exchange.OrderResult, error) {
	if !order.Quantity.IsPositive() || !order.Price.IsPositive() {
		return nil, fmt.Errorf("sim: quantity and price must be positive")
	}
	sym := exchange.NormalizeSymbol(order.Symbol)

	v.mu.Lock()
	if order.ReduceOnly && v.positions[sym].IsZero() {
		v.mu.Unlock()
		return nil, exchange.ErrReduceOnlyNoPosition
	}
	if order.PostOnly && v.fillMode == RejectPostOnly {
		v.mu.Unlock()
		return nil, exchange.ErrPostOnlyRejected
	}

	info := &exchange.OrderInfo{
		OrderID:    v.allocateIDLocked(),
		Symbol:     sym,
		Side:       order.Side,
		Status:     exchange.OrderStatusOpen,
		Price:      order.Price,
		Quantity:   order.Quantity,
		ReduceOnly: order.ReduceOnly,
		UpdatedAt:  time.Now().UTC(),
	}
	v.orders[info.OrderID] = info

	switch v.fillMode {
	case FillImmediately:
		v.applyFillLocked(info, order.Quantity, order.Price)
	case RestOpen:
		if partial, ok := v.partialFil[sym]; ok && partial.IsPositive() {
			delete(v.partialFil, sym)
			v.applyFillLocked(info, partial, order.Price)
		}
	}
	result := &exchange.OrderResult{
		OrderID:        info.OrderID,
		Status:         info.Status,
		FilledQuantity: info.FilledQuantity,
		AvgFillPrice:   info.AvgFillPrice,
	}
	snapshot := *info
	v.mu.Unlock()

	if snapshot.Status.Terminal() {
		v.notify(snapshot.OrderID, &snapshot)
	}
	return result, nil
}

// PlaceMarket implements exchange.Provider; fills at the touch immediately.
func (v *Venue) PlaceMarket(ctx context.Context, order exchange.MarketOrder) (*exchange.OrderResult, error) {
	if !order.Quantity.IsPositive() {
		return nil, fmt.Errorf("sim: quantity must be positive")
	}
	sym := exchange.NormalizeSymbol(order.Symbol)

	v.mu.Lock()
	if order.ReduceOnly && v.positions[sym].IsZero() {
		v.mu.Unlock()
		return nil, exchange.ErrReduceOnlyNoPosition
	}
	bbo, ok := v.books[sym]
	if !ok || !bbo.Valid() {
		v.mu.Unlock()
		return nil, exchange.ErrPriceUnavailable
	}
	price := bbo.Ask
	if order.Side == exchange.OrderSideSell {
		price = bbo.Bid
	}
	info := &exchange.OrderInfo{
		OrderID:    v.allocateIDLocked(),
		Symbol:     sym,
		Side:       order.Side,
		Status:     exchange.OrderStatusOpen,
		Price:      price,
		Quantity:   order.Quantity,
		ReduceOnly: order.ReduceOnly,
		UpdatedAt:  time.Now().UTC(),
	}
	v.orders[info.OrderID] = info
	v.applyFillLocked(info, order.Quantity, price)
	result := &exchange.OrderResult{
		OrderID:        info.OrderID,
		Status:         info.Status,
		FilledQuantity: info.FilledQuantity,
		AvgFillPrice:   info.AvgFillPrice,
	}
	snapshot := *info
	v.mu.Unlock()

	v.notify(snapshot.OrderID, &snapshot)
	return result, nil
}

// CancelOrder implements exchange.Provider.
func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return nil, exchange.ErrOrderNotFound
	}
	if !order.Status.Terminal() {
		order.Status = exchange.OrderStatusCanceled
		order.UpdatedAt = time.Now().UTC()
	}
	result := &exchange.OrderResult{
		OrderID:        order.OrderID,
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity,
		AvgFillPrice:   order.AvgFillPrice,
	}
	snapshot := *order
	v.mu.Unlock()

	v.notify(orderID, &snapshot)
	return result, nil
}

// GetOrderInfo implements exchange.Provider.
func (v *Venue) GetOrderInfo(ctx context.Context, symbol, orderID string, forceRefresh bool) (*exchange.OrderInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[orderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	out := *order
	return &out, nil
}

// AwaitOrderUpdate implements exchange.Provider. Terminal states return
// immediately; otherwise the call blocks for the next transition or timeout.
func (v *Venue) AwaitOrderUpdate(ctx context.Context, symbol, orderID string, timeout time.Duration) (*exchange.OrderInfo, error) {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return nil, exchange.ErrOrderNotFound
	}
	if order.Status.Terminal() {
		out := *order
		v.mu.Unlock()
		return &out, nil
	}
	ch := make(chan *exchange.OrderInfo, 1)
	v.watchers[orderID] = append(v.watchers[orderID], ch)
	v.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-ch:
		return info, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetLeverage implements exchange.Provider.
func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("sim: leverage must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[exchange.NormalizeSymbol(symbol)] = leverage
	return nil
}

// MinOrderNotional implements exchange.Provider.
func (v *Venue) MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.minNotion, nil
}

// OrderSizeIncrement implements exchange.Provider.
func (v *Venue) OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sizeStep, nil
}

// GetPositionSnapshot implements exchange.Provider.
func (v *Venue) GetPositionSnapshot(ctx context.Context, symbol string) (*exchange.PositionSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := exchange.NormalizeSymbol(symbol)
	qty := v.positions[sym]
	if qty.IsZero() {
		return nil, nil
	}
	side := exchange.PositionSideLong
	if qty.IsNegative() {
		side = exchange.PositionSideShort
	}
	entry := v.entries[sym]
	mark := entry
	if bbo, ok := v.books[sym]; ok && bbo.Valid() {
		mark = bbo.Mid()
	}
	lev := v.leverage[sym]
	if lev <= 0 {
		lev = 1
	}
	// Rough isolated-margin liquidation estimate for risk checks.
	buffer := entry.Div(decimal.NewFromInt(int64(lev)))
	liq := entry.Sub(buffer)
	if side == exchange.PositionSideShort {
		liq = entry.Add(buffer)
	}
	absQty := qty.Abs()
	upnl := mark.Sub(entry).Mul(qty)
	return &exchange.PositionSnapshot{
		Venue:             v.name,
		Symbol:            sym,
		Side:              side,
		Quantity:          absQty,
		EntryPrice:        entry,
		MarkPrice:         mark,
		Leverage:          lev,
		LiquidationPrice:  liq,
		UnrealizedPnlUSD:  upnl,
		FundingAccruedUSD: v.accrued[sym],
	}, nil
}

// --- internals -------------------------------------------------------------

func (v *Venue) allocateIDLocked() string {
	id := v.nextID
	v.nextID++
	return v.name + "-" + strconv.FormatInt(id, 10)
}

func (v *Venue) applyFillLocked(order *exchange.OrderInfo, qty, price decimal.Decimal) {
	remaining := order.Quantity.Sub(order.FilledQuantity)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	if !qty.IsPositive() {
		return
	}

	prevNotional := order.AvgFillPrice.Mul(order.FilledQuantity)
	order.FilledQuantity = order.FilledQuantity.Add(qty)
	order.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(order.FilledQuantity)
	order.FillCount++
	order.Fee = order.Fee.Add(qty.Mul(price).Mul(v.makerBps).Div(decimal.NewFromInt(10000)))
	order.FeeCurrency = "USDC"
	order.UpdatedAt = time.Now().UTC()
	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		order.Status = exchange.OrderStatusFilled
	} else {
		order.Status = exchange.OrderStatusPartiallyFilled
	}

	// Position bookkeeping.
	signed := qty
	if order.Side == exchange.OrderSideSell {
		signed = qty.Neg()
	}
	sym := order.Symbol
	prevQty := v.positions[sym]
	newQty := prevQty.Add(signed)
	switch {
	case prevQty.IsZero():
		v.entries[sym] = price
	case prevQty.Sign() == signed.Sign():
		prevAbs := prevQty.Abs()
		totalAbs := newQty.Abs()
		v.entries[sym] = v.entries[sym].Mul(prevAbs).Add(price.Mul(qty)).Div(totalAbs)
	case newQty.IsZero():
		delete(v.entries, sym)
		delete(v.accrued, sym)
	}
	if newQty.IsZero() {
		delete(v.positions, sym)
	} else {
		v.positions[sym] = newQty
	}
}

func (v *Venue) notify(orderID string, info *exchange.OrderInfo) {
	v.mu.Lock()
	subs := v.watchers[orderID]
	delete(v.watchers, orderID)
	v.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- info:
		default:
		}
	}
}

var _ exchange.Provider = (*Venue)(nil)
