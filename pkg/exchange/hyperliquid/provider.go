package hyperliquid

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/exchange"
)

const (
	// Funding on Hyperliquid settles hourly.
	fundingIntervalHours = 1
	// Venue-wide minimum order value in USDC.
	minOrderValueUSD = 10
	// marketSlippagePct prices IOC "market" orders through the book.
	marketSlippagePct = 0.05

	awaitPollInterval = 500 * time.Millisecond
)

// Provider adapts the Hyperliquid client to the exchange.Provider interface.
type Provider struct {
	name   string
	client *Client
}

// NewProvider constructs a Hyperliquid venue provider.
func NewProvider(name, privateKeyHex string, isTestnet bool, opts ...ClientOption) (*Provider, error) {
	client, err := NewClient(privateKeyHex, isTestnet, opts...)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "hyperliquid"
	}
	return &Provider{name: name, client: client}, nil
}

func init() {
	exchange.RegisterProvider("hyperliquid", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		opts := []ClientOption{}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(newHTTPClient(cfg.Timeout)))
		}
		if cfg.MainAddress != "" {
			opts = append(opts, WithMainAddress(cfg.MainAddress))
		}
		if cfg.MaxConcurrentRequests > 0 {
			opts = append(opts, WithMaxConcurrentRequests(cfg.MaxConcurrentRequests))
		}
		return NewProvider("hyperliquid", cfg.PrivateKey, cfg.Testnet, opts...)
	})
}

// Name implements exchange.Provider.
func (p *Provider) Name() string { return p.name }

// --- market data -----------------------------------------------------------

// FetchFundingRates implements exchange.Provider. Hyperliquid reports the
// hourly rate; samples are normalized to the canonical 8-hour interval.
func (p *Provider) FetchFundingRates(ctx context.Context) (map[string]exchange.FundingRateSample, error) {
	resp, err := p.client.fetchMetaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	interval := decimal.NewFromInt(fundingIntervalHours)

	out := make(map[string]exchange.FundingRateSample, len(resp.Universe))
	for idx, entry := range resp.Universe {
		if entry.IsDelisted || idx >= len(resp.AssetCtxs) {
			continue
		}
		raw, err := decimal.NewFromString(resp.AssetCtxs[idx].Funding)
		if err != nil {
			continue
		}
		symbol := normalizeNative(entry.Name)
		nextCopy := next
		out[symbol] = exchange.FundingRateSample{
			Venue:           p.name,
			Symbol:          symbol,
			RawRate:         raw,
			IntervalHours:   interval,
			NormalizedRate:  exchange.NormalizeRate(raw, interval),
			NextFundingTime: &nextCopy,
			SampledAt:       now,
		}
	}
	return out, nil
}

// FetchMarketData implements exchange.Provider. Open interest arrives
// one-sided in base units; it is converted to two-sided USD.
func (p *Provider) FetchMarketData(ctx context.Context) (map[string]exchange.MarketData, error) {
	resp, err := p.client.fetchMetaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	two := decimal.NewFromInt(2)

	out := make(map[string]exchange.MarketData, len(resp.Universe))
	for idx, entry := range resp.Universe {
		if entry.IsDelisted || idx >= len(resp.AssetCtxs) {
			continue
		}
		ctxData := resp.AssetCtxs[idx]
		symbol := normalizeNative(entry.Name)
		md := exchange.MarketData{Venue: p.name, Symbol: symbol, UpdatedAt: now}
		if vol, err := decimal.NewFromString(ctxData.DayNtlVlm); err == nil {
			md.Volume24hUSD = &vol
		}
		oi, oiErr := decimal.NewFromString(ctxData.OpenInterest)
		mark, markErr := decimal.NewFromString(ctxData.MarkPx)
		if oiErr == nil && markErr == nil {
			twoSided := oi.Mul(mark).Mul(two)
			md.OpenInterestUSD = &twoSided
		}
		out[symbol] = md
	}
	return out, nil
}

// FetchBBO implements exchange.Provider.
func (p *Provider) FetchBBO(ctx context.Context, symbol string) (*exchange.BBO, error) {
	book, err := p.FetchOrderBook(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil, exchange.ErrPriceUnavailable
	}
	bbo := exchange.BBO{Bid: book.Bids[0].Price, Ask: book.Asks[0].Price}
	if !bbo.Valid() {
		return nil, exchange.ErrPriceUnavailable
	}
	return &bbo, nil
}

// FetchOrderBook implements exchange.Provider.
func (p *Provider) FetchOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	info, err := p.client.assetFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var resp l2BookResponse
	if err := p.client.doInfoRequest(ctx, InfoRequest{Type: "l2Book", Coin: info.Name}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Levels) < 2 {
		return nil, exchange.ErrPriceUnavailable
	}
	book := &exchange.OrderBook{Symbol: normalizeNative(info.Name)}
	book.Bids = convertLevels(resp.Levels[0], depth)
	book.Asks = convertLevels(resp.Levels[1], depth)
	return book, nil
}

func convertLevels(levels []l2BookLevel, depth int) []exchange.BookLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]exchange.BookLevel, 0, len(levels))
	for _, level := range levels {
		px, err1 := decimal.NewFromString(level.Px)
		sz, err2 := decimal.NewFromString(level.Sz)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, exchange.BookLevel{Price: px, Size: sz})
	}
	return out
}

// NormalizeSymbol implements exchange.Provider.
func (p *Provider) NormalizeSymbol(venueSymbol string) string {
	return normalizeNative(venueSymbol)
}

// DenormalizeSymbol implements exchange.Provider, consulting the cached asset
// directory so multiplier listings round-trip ("PEPE" → "kPEPE").
func (p *Provider) DenormalizeSymbol(canonical string) string {
	key := strings.ToUpper(strings.TrimSpace(canonical))
	p.client.assetMu.RLock()
	defer p.client.assetMu.RUnlock()
	if info, ok := p.client.assets[key]; ok {
		return info.Name
	}
	return key
}

// --- account ---------------------------------------------------------------

// GetPositionSnapshot implements exchange.Provider.
func (p *Provider) GetPositionSnapshot(ctx context.Context, symbol string) (*exchange.PositionSnapshot, error) {
	info, err := p.client.assetFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var state clearinghouseState
	if err := p.client.doInfoRequest(ctx, InfoRequest{
		Type: "clearinghouseState",
		User: p.client.getInfoAddress(),
	}, &state); err != nil {
		return nil, err
	}

	for _, ap := range state.AssetPositions {
		pos := ap.Position
		if pos.Coin != info.Name {
			continue
		}
		szi, err := decimal.NewFromString(pos.Szi)
		if err != nil || szi.IsZero() {
			return nil, nil
		}
		side := exchange.PositionSideLong
		if szi.IsNegative() {
			side = exchange.PositionSideShort
		}
		snapshot := &exchange.PositionSnapshot{
			Venue:    p.name,
			Symbol:   normalizeNative(pos.Coin),
			Side:     side,
			Quantity: szi.Abs(),
			Leverage: pos.Leverage.Value,
		}
		if entry, err := decimal.NewFromString(pos.EntryPx); err == nil {
			snapshot.EntryPrice = entry
		}
		if liq, err := decimal.NewFromString(pos.LiquidationPx); err == nil {
			snapshot.LiquidationPrice = liq
		}
		if upnl, err := decimal.NewFromString(pos.UnrealizedPnl); err == nil {
			snapshot.UnrealizedPnlUSD = upnl
		}
		// cumFunding.sinceOpen is funding paid by the position; the snapshot
		// convention is funding received.
		if paid, err := decimal.NewFromString(pos.CumFunding.SinceOpen); err == nil {
			snapshot.FundingAccruedUSD = paid.Neg()
		}
		if mark, err := p.markPrice(ctx, info.Name); err == nil {
			snapshot.MarkPrice = mark
		} else {
			snapshot.MarkPrice = snapshot.EntryPrice
		}
		return snapshot, nil
	}
	return nil, nil
}

func (p *Provider) markPrice(ctx context.Context, nativeName string) (decimal.Decimal, error) {
	resp, err := p.client.fetchMetaAndCtxs(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for idx, entry := range resp.Universe {
		if entry.Name == nativeName && idx < len(resp.AssetCtxs) {
			return decimal.NewFromString(resp.AssetCtxs[idx].MarkPx)
		}
	}
	return decimal.Zero, fmt.Errorf("%w: hyperliquid %s", exchange.ErrSymbolNotFound, nativeName)
}

// --- orders ----------------------------------------------------------------

// PlaceLimit implements exchange.Provider.
func (p *Provider) PlaceLimit(ctx context.Context, order exchange.LimitOrder) (*exchange.OrderResult, error) {
	info, err := p.client.assetFor(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	tif := "Gtc"
	if order.PostOnly {
		tif = "Alo"
	}
	payload := orderPayload{
		Asset:      info.Index,
		IsBuy:      order.Side == exchange.OrderSideBuy,
		Price:      formatPrice(order.Price, info.SzDecimals),
		Size:       formatSize(order.Quantity, info.SzDecimals),
		ReduceOnly: order.ReduceOnly,
		OrderType:  orderTypePayload{Limit: &limitPayload{TIF: tif}},
	}
	return p.submitOrder(ctx, payload)
}

// PlaceMarket implements exchange.Provider: an IOC limit priced through the
// book stands in for a native market order.
func (p *Provider) PlaceMarket(ctx context.Context, order exchange.MarketOrder) (*exchange.OrderResult, error) {
	info, err := p.client.assetFor(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	bbo, err := p.FetchBBO(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	slip := decimal.NewFromFloat(marketSlippagePct)
	one := decimal.NewFromInt(1)
	var px decimal.Decimal
	if order.Side == exchange.OrderSideBuy {
		px = bbo.Ask.Mul(one.Add(slip))
	} else {
		px = bbo.Bid.Mul(one.Sub(slip))
	}
	payload := orderPayload{
		Asset:      info.Index,
		IsBuy:      order.Side == exchange.OrderSideBuy,
		Price:      formatPrice(px, info.SzDecimals),
		Size:       formatSize(order.Quantity, info.SzDecimals),
		ReduceOnly: order.ReduceOnly,
		OrderType:  orderTypePayload{Limit: &limitPayload{TIF: "Ioc"}},
	}
	return p.submitOrder(ctx, payload)
}

func (p *Provider) submitOrder(ctx context.Context, payload orderPayload) (*exchange.OrderResult, error) {
	action := Action{
		Type:     ActionTypeOrder,
		Grouping: "na",
		Orders:   []orderPayload{payload},
	}
	var resp orderResponse
	if err := p.client.doExchangeRequest(ctx, action, &resp); err != nil {
		return nil, err
	}
	if strings.ToLower(resp.Status) != "ok" {
		return nil, fmt.Errorf("hyperliquid: order rejected: %s", resp.Status)
	}
	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return nil, fmt.Errorf("hyperliquid: order response contained no statuses")
	}
	entry := statuses[0]
	switch {
	case entry.Error != "":
		return nil, mapOrderError(entry.Error)
	case entry.Filled != nil:
		qty, _ := decimal.NewFromString(entry.Filled.TotalSz)
		avg, _ := decimal.NewFromString(entry.Filled.AvgPx)
		return &exchange.OrderResult{
			OrderID:        strconv.FormatInt(entry.Filled.Oid, 10),
			Status:         exchange.OrderStatusFilled,
			FilledQuantity: qty,
			AvgFillPrice:   avg,
		}, nil
	case entry.Resting != nil:
		return &exchange.OrderResult{
			OrderID: strconv.FormatInt(entry.Resting.Oid, 10),
			Status:  exchange.OrderStatusOpen,
		}, nil
	default:
		return nil, fmt.Errorf("hyperliquid: order response status empty")
	}
}

// mapOrderError converts venue rejection strings into the shared taxonomy.
func mapOrderError(message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "could not immediately match"),
		strings.Contains(lower, "post only"):
		return fmt.Errorf("%w: %s", exchange.ErrPostOnlyRejected, message)
	case strings.Contains(lower, "insufficient margin"):
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientMargin, message)
	case strings.Contains(lower, "reduce only"):
		return fmt.Errorf("%w: %s", exchange.ErrReduceOnlyNoPosition, message)
	case strings.Contains(lower, "minimum value"):
		return fmt.Errorf("%w: %s", exchange.ErrBelowMinNotional, message)
	default:
		return fmt.Errorf("hyperliquid: order rejected: %s", message)
	}
}

// CancelOrder implements exchange.Provider.
func (p *Provider) CancelOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	info, err := p.client.assetFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: invalid order id %q: %w", orderID, err)
	}
	action := Action{
		Type:    ActionTypeCancel,
		Cancels: []cancelPayload{{Asset: info.Index, Oid: oid}},
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := p.client.doExchangeRequest(ctx, action, &resp); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{OrderID: orderID, Status: exchange.OrderStatusCanceled, RawStatus: resp.Status}, nil
}

// GetOrderInfo implements exchange.Provider, coalescing the order's fills
// from the account fill stream.
func (p *Provider) GetOrderInfo(ctx context.Context, symbol, orderID string, forceRefresh bool) (*exchange.OrderInfo, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: invalid order id %q: %w", orderID, err)
	}
	var resp orderStatusResponse
	if err := p.client.doInfoRequest(ctx, InfoRequest{
		Type: "orderStatus",
		User: p.client.getInfoAddress(),
		Oid:  oid,
	}, &resp); err != nil {
		return nil, err
	}
	if strings.ToLower(resp.Status) == "unknownoid" || resp.Order == nil {
		return nil, exchange.ErrOrderNotFound
	}

	raw := resp.Order
	side := exchange.OrderSideSell
	if raw.Order.Side == "B" {
		side = exchange.OrderSideBuy
	}
	origSz, _ := decimal.NewFromString(raw.Order.OrigSz)
	restSz, _ := decimal.NewFromString(raw.Order.Sz)
	price, _ := decimal.NewFromString(raw.Order.LimitPx)

	out := &exchange.OrderInfo{
		OrderID:        orderID,
		Symbol:         normalizeNative(raw.Order.Coin),
		Side:           side,
		Status:         mapOrderStatus(raw.Status),
		Price:          price,
		Quantity:       origSz,
		FilledQuantity: origSz.Sub(restSz),
		ReduceOnly:     raw.Order.ReduceOnly,
		UpdatedAt:      time.UnixMilli(raw.StatusTimestamp).UTC(),
	}

	// The order status carries no fill economics; aggregate them from the
	// account fills.
	if out.FilledQuantity.IsPositive() {
		if err := p.aggregateFills(ctx, oid, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Provider) aggregateFills(ctx context.Context, oid int64, out *exchange.OrderInfo) error {
	var fills []userFill
	if err := p.client.doInfoRequest(ctx, InfoRequest{
		Type: "userFills",
		User: p.client.getInfoAddress(),
	}, &fills); err != nil {
		return err
	}
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	totalFee := decimal.Zero
	count := 0
	feeToken := ""
	for _, fill := range fills {
		if fill.Oid != oid {
			continue
		}
		px, err1 := decimal.NewFromString(fill.Px)
		sz, err2 := decimal.NewFromString(fill.Sz)
		if err1 != nil || err2 != nil {
			continue
		}
		totalQty = totalQty.Add(sz)
		totalNotional = totalNotional.Add(px.Mul(sz))
		if fee, err := decimal.NewFromString(fill.Fee); err == nil {
			totalFee = totalFee.Add(fee)
		}
		feeToken = fill.FeeToken
		count++
	}
	if count == 0 {
		return nil
	}
	out.FilledQuantity = totalQty
	out.AvgFillPrice = totalNotional.Div(totalQty)
	out.Fee = totalFee
	out.FeeCurrency = feeToken
	out.FillCount = count
	return nil
}

func mapOrderStatus(status string) exchange.OrderStatus {
	switch strings.ToLower(status) {
	case "open":
		return exchange.OrderStatusOpen
	case "filled":
		return exchange.OrderStatusFilled
	case "canceled", "cancelled", "margincanceled":
		return exchange.OrderStatusCanceled
	case "rejected":
		return exchange.OrderStatusRejected
	default:
		return exchange.OrderStatusOpen
	}
}

// AwaitOrderUpdate implements exchange.Provider by polling the order status;
// Hyperliquid's order websocket requires a persistent subscription the
// adapter keeps out of the hot path.
func (p *Provider) AwaitOrderUpdate(ctx context.Context, symbol, orderID string, timeout time.Duration) (*exchange.OrderInfo, error) {
	deadline := time.Now().Add(timeout)
	var last *exchange.OrderInfo
	for {
		info, err := p.GetOrderInfo(ctx, symbol, orderID, true)
		if err != nil {
			return nil, err
		}
		if info.Status.Terminal() {
			return info, nil
		}
		if last != nil && !info.FilledQuantity.Equal(last.FilledQuantity) {
			return info, nil
		}
		last = info
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(awaitPollInterval):
		}
	}
}

// SetLeverage implements exchange.Provider (cross margin).
func (p *Provider) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("hyperliquid: leverage must be positive")
	}
	info, err := p.client.assetFor(ctx, symbol)
	if err != nil {
		return err
	}
	isCross := true
	action := Action{
		Type:     ActionTypeUpdateLeverage,
		Asset:    &info.Index,
		IsCross:  &isCross,
		Leverage: &leverage,
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := p.client.doExchangeRequest(ctx, action, &resp); err != nil {
		return err
	}
	if strings.ToLower(resp.Status) != "ok" {
		return fmt.Errorf("hyperliquid: update leverage rejected: %s", resp.Status)
	}
	return nil
}

// MinOrderNotional implements exchange.Provider.
func (p *Provider) MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(minOrderValueUSD), nil
}

// OrderSizeIncrement implements exchange.Provider.
func (p *Provider) OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	info, err := p.client.assetFor(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(1, int32(-info.SzDecimals)), nil
}

var _ exchange.Provider = (*Provider)(nil)
